package lib

import (
	"context"
	"runtime"

	"github.com/TheSmallBoat/muxstream/packet"
)

// Client multiplexes requests and streams over one connection to a Server.
// All methods are safe for concurrent use.
type Client[M any] struct {
	queue  chan work[M]
	task   *TaskHandle
	cfg    *watch[Config]
	buffer int
}

// NewClient starts serving stream in the background. If the client is
// garbage collected without Close, its connection is closed as well.
func NewClient[M any](stream ByteStream, codec packet.Codec[M], cfg Config, opts ...Option) *Client[M] {
	o := newOptions(opts)

	c := &Client[M]{
		queue:  make(chan work[M], o.queueSize),
		cfg:    newWatch(cfg),
		buffer: o.streamBuffer,
	}

	h := newClientHandler(codec, c.cfg, c.queue, o)
	c.task = spawn(func(ctx context.Context) error { return h.run(ctx, stream) })

	runtime.SetFinalizer(c, func(c *Client[M]) { c.task.signal() })

	return c
}

func (c *Client[M]) enqueue(ctx context.Context, w work[M]) error {
	select {
	case <-c.task.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.queue <- w:
		return nil
	case <-c.task.Done():
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client[M]) await(ctx context.Context, reply chan result[M]) (result[M], error) {
	select {
	case res := <-reply:
		return res, nil
	case <-c.task.Done():
		select {
		case res := <-reply:
			return res, nil
		default:
			return result[M]{}, ErrConnectionClosed
		}
	case <-ctx.Done():
		return result[M]{}, ctx.Err()
	}
}

// Request sends msg and waits for the single reply. A request that was in
// flight while the connection was replaced is sent again, so the server may
// see it more than once.
func (c *Client[M]) Request(ctx context.Context, msg M) (M, error) {
	var zero M

	reply := make(chan result[M], 1)
	if err := c.enqueue(ctx, work[M]{kind: workRequest, msg: msg, reply: reply}); err != nil {
		return zero, err
	}

	res, err := c.await(ctx, reply)
	if err != nil {
		if ctx.Err() != nil {
			c.abandon(reply)
		}
		return zero, err
	}
	if res.err != nil {
		return zero, res.err
	}
	return res.msg, nil
}

// abandon drops the record of a request whose caller stopped waiting, so it
// is neither kept nor sent again after a reconnect.
func (c *Client[M]) abandon(reply chan result[M]) {
	w := work[M]{kind: workRequestAbandoned, reply: reply}

	select {
	case c.queue <- w:
		return
	case <-c.task.Done():
		return
	default:
	}

	go func() {
		select {
		case c.queue <- w:
		case <-c.task.Done():
		}
	}()
}

// RequestReceiver sends msg and returns the stream of items the server
// answers with.
func (c *Client[M]) RequestReceiver(ctx context.Context, msg M) (*StreamReceiver[M], error) {
	r := newStreamReceiver[M](0, c.buffer, c.queue, c.task.Done())

	if err := c.open(ctx, work[M]{kind: workOpenReceiver, msg: msg, receiver: r}, r.Close); err != nil {
		return nil, err
	}
	return r, nil
}

// RequestSender sends msg and returns a stream the caller fills with items
// for the server.
func (c *Client[M]) RequestSender(ctx context.Context, msg M) (*StreamSender[M], error) {
	s := newStreamSender[M](0, c.queue, c.task.Done())

	if err := c.open(ctx, work[M]{kind: workOpenSender, msg: msg, sender: s}, s.Close); err != nil {
		return nil, err
	}
	return s, nil
}

// open registers a stream with the handler. If ctx ends before the handler
// got to it, the stream is closed as soon as it was registered.
func (c *Client[M]) open(ctx context.Context, w work[M], abandon func()) error {
	w.reply = make(chan result[M], 1)
	if err := c.enqueue(ctx, w); err != nil {
		return err
	}

	res, err := c.await(ctx, w.reply)
	if err != nil {
		if ctx.Err() != nil {
			go func(reply chan result[M], done <-chan struct{}) {
				select {
				case res := <-reply:
					if res.err == nil {
						abandon()
					}
				case <-done:
				}
			}(w.reply, c.task.Done())
		}
		return err
	}
	return res.err
}

func (c *Client[M]) Configurator() Configurator { return Configurator{cfg: c.cfg} }

// Close says goodbye to the server and waits for the background task. It
// returns the task's error; calling it again returns the same result.
func (c *Client[M]) Close() error { return c.task.Close() }

// Wait blocks until the connection ended on its own.
func (c *Client[M]) Wait() error { return c.task.Wait() }

// Done is closed once the connection ended.
func (c *Client[M]) Done() <-chan struct{} { return c.task.Done() }
