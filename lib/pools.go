package lib

import (
	"fmt"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

var timerPool = &TimerPool{m: &PoolMetrics{}}
var bufferPool = &BufferPool{m: &PoolMetrics{}}

func StartPoolMetrics() {
	timerPool.m.start()
	bufferPool.m.start()
}

func ReleasePoolMetrics() {
	timerPool.m.release()
	bufferPool.m.release()
}

func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"timerPool\": %s, \"bufferPool\": %s}",
		timerPool.m.metricsString(),
		bufferPool.m.metricsString(),
	)
}

type TimerPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *TimerPool) acquire(timeout time.Duration) *time.Timer {
	v := p.sp.Get()
	if v == nil {
		p.m.acquired(false)
		return time.NewTimer(timeout)
	}
	p.m.acquired(true)
	t := v.(*time.Timer)
	t.Reset(timeout)
	return t
}

func (p *TimerPool) release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	p.sp.Put(t)
	p.m.released()
}

// BufferPool hands out the buffers packets are encoded into before they are
// written to the stream.
type BufferPool struct {
	bp bytebufferpool.Pool
	m  *PoolMetrics
}

func (p *BufferPool) acquire() *bytebufferpool.ByteBuffer {
	b := p.bp.Get()
	p.m.acquired(cap(b.B) > 0)
	return b
}

func (p *BufferPool) release(b *bytebufferpool.ByteBuffer) {
	p.bp.Put(b)
	p.m.released()
}
