package lib

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var DefaultTickerDuration = 1 * time.Second

// na + nr equal the total number of acquires
// na + nr - np equal the number of still running.
type PoolMetrics struct {
	na uint32 // number of new acquires
	nr uint32 // number of reuse from pool
	np uint32 // number of put back to pool

	naa uint64 // accumulative
	nra uint64 // accumulative
	npa uint64 // accumulative

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (p *PoolMetrics) acquired(reused bool) {
	if reused {
		atomic.AddUint32(&p.nr, 1)
	} else {
		atomic.AddUint32(&p.na, 1)
	}
}

func (p *PoolMetrics) released() { atomic.AddUint32(&p.np, 1) }

func (p *PoolMetrics) setMetrics() {
	atomic.AddUint64(&p.naa, uint64(atomic.SwapUint32(&p.na, 0)))
	atomic.AddUint64(&p.nra, uint64(atomic.SwapUint32(&p.nr, 0)))
	atomic.AddUint64(&p.npa, uint64(atomic.SwapUint32(&p.np, 0)))
}

func (p *PoolMetrics) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stop != nil {
		return
	}

	stop, done := make(chan struct{}), make(chan struct{})
	p.stop, p.done = stop, done

	go func() {
		defer close(done)

		ticker := time.NewTicker(DefaultTickerDuration)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.setMetrics()
			case <-stop:
				p.setMetrics()
				return
			}
		}
	}()
}

func (p *PoolMetrics) release() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Totals returns the number of new acquires, reuses and put backs seen so
// far, including the ones not yet folded in by the ticker.
func (p *PoolMetrics) Totals() (na, nr, np uint64) {
	na = atomic.LoadUint64(&p.naa) + uint64(atomic.LoadUint32(&p.na))
	nr = atomic.LoadUint64(&p.nra) + uint64(atomic.LoadUint32(&p.nr))
	np = atomic.LoadUint64(&p.npa) + uint64(atomic.LoadUint32(&p.np))
	return na, nr, np
}

func (p *PoolMetrics) metricsString() string {
	return fmt.Sprintf("\"[ %v|%v|%v, %v|%v|%v ]\"",
		atomic.LoadUint32(&p.na), atomic.LoadUint32(&p.nr), atomic.LoadUint32(&p.np),
		atomic.LoadUint64(&p.naa), atomic.LoadUint64(&p.nra), atomic.LoadUint64(&p.npa))
}
