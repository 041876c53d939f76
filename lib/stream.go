package lib

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

type workKind uint8

const (
	workRequest        workKind = iota // client: request waiting for one reply
	workOpenReceiver                   // client: open a server to client stream
	workOpenSender                     // client: open a client to server stream
	workResponse                       // server: reply to a request
	workStream                         // stream item
	workStreamClose                    // local sender finished
	workReceiverClosed                 // local receiver gave up
	workRequestAbandoned               // client: caller stopped waiting for a reply
)

// work is one unit handed from a facade to the connection's handler.
type work[M any] struct {
	kind workKind
	id   uint32
	msg  M

	reply    chan result[M]     // workRequest, workRequestAbandoned and opens, capacity 1
	receiver *StreamReceiver[M] // workOpenReceiver, workReceiverClosed
	sender   *StreamSender[M]   // workOpenSender, workStream, workStreamClose
}

type result[M any] struct {
	msg M
	err error
}

// StreamSender sends items into one streaming conversation.
type StreamSender[M any] struct {
	id     uint32
	queue  chan<- work[M]
	done   <-chan struct{} // connection task finished
	closed chan struct{}
	once   sync.Once
}

func newStreamSender[M any](id uint32, queue chan<- work[M], done <-chan struct{}) *StreamSender[M] {
	return &StreamSender[M]{id: id, queue: queue, done: done, closed: make(chan struct{})}
}

// Send queues msg for the peer. It fails with ErrStreamClosed once either
// side closed the stream and with ErrConnectionClosed once the connection
// is gone.
func (s *StreamSender[M]) Send(ctx context.Context, msg M) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}

	select {
	case s.queue <- work[M]{kind: workStream, id: s.id, msg: msg, sender: s}:
		return nil
	case <-s.closed:
		return ErrStreamClosed
	case <-s.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Items already passed to Send are written first.
func (s *StreamSender[M]) Close() {
	if !s.shut() {
		return
	}
	select {
	case s.queue <- work[M]{kind: workStreamClose, id: s.id, sender: s}:
	case <-s.done:
	}
}

// Closed is closed once the stream ended, from either side.
func (s *StreamSender[M]) Closed() <-chan struct{} { return s.closed }

// shut reports whether this call was the one that closed the stream.
func (s *StreamSender[M]) shut() bool {
	first := false
	s.once.Do(func() {
		close(s.closed)
		first = true
	})
	return first
}

// StreamReceiver yields the items of one streaming conversation in the order
// the peer sent them.
type StreamReceiver[M any] struct {
	id     uint32
	items  chan M // closed by the handler only
	queue  chan<- work[M]
	done   <-chan struct{}
	closed chan struct{} // local close request
	ended  chan struct{} // closed together with items
	once   sync.Once
	err    error // written before ended is closed
}

func newStreamReceiver[M any](id uint32, size int, queue chan<- work[M], done <-chan struct{}) *StreamReceiver[M] {
	return &StreamReceiver[M]{
		id:     id,
		items:  make(chan M, size),
		queue:  queue,
		done:   done,
		closed: make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

// finish is called by the handler, exactly once per receiver.
func (r *StreamReceiver[M]) finish(err error) {
	r.err = err
	close(r.ended)
	close(r.items)
}

// Receive returns the next item, or io.EOF once no more items will arrive.
// Items buffered before the stream ended are returned first.
func (r *StreamReceiver[M]) Receive(ctx context.Context) (M, error) {
	var zero M

	select {
	case msg, ok := <-r.items:
		if !ok {
			return zero, io.EOF
		}
		return msg, nil
	case <-r.done:
		select {
		case msg, ok := <-r.items:
			if ok {
				return msg, nil
			}
		default:
		}
		return zero, io.EOF
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Err explains why Receive returned io.EOF: nil if the peer ended the
// stream or it was closed locally, ErrConnectionLost if the connection
// went away underneath it, ErrConnectionClosed if the connection was
// closed locally.
func (r *StreamReceiver[M]) Err() error {
	select {
	case <-r.ended:
		return r.err
	default:
		return nil
	}
}

// Close tells the handler that nobody reads this stream anymore. Items that
// were already buffered can still be received.
func (r *StreamReceiver[M]) Close() {
	r.once.Do(func() {
		close(r.closed)
		select {
		case r.queue <- work[M]{kind: workReceiverClosed, id: r.id, receiver: r}:
		case <-r.done:
		}
	})
}

// Responder answers one request on the server side.
type Responder[M any] struct {
	id    uint32
	queue chan<- work[M]
	done  <-chan struct{}
	used  atomic.Bool
}

// Send replies to the request. Only the first call is delivered.
func (r *Responder[M]) Send(msg M) error {
	if r.used.Swap(true) {
		return ErrStreamClosed
	}
	select {
	case r.queue <- work[M]{kind: workResponse, id: r.id, msg: msg}:
		return nil
	case <-r.done:
		return ErrConnectionClosed
	}
}
