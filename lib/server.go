package lib

import (
	"context"
	"runtime"

	"github.com/TheSmallBoat/muxstream/packet"
)

type MessageKind uint8

const (
	// MessageRequest carries a Responder for the single reply.
	MessageRequest MessageKind = iota + 1
	// MessageRequestReceiver carries a Sender: the client wants items.
	MessageRequestReceiver
	// MessageRequestSender carries a Receiver: the client sends items.
	MessageRequestSender
)

// Message is a conversation opened by the client.
type Message[M any] struct {
	Kind MessageKind
	Body M

	Responder *Responder[M]
	Sender    *StreamSender[M]
	Receiver  *StreamReceiver[M]
}

// Server answers one client connection. It never reconnects.
type Server[M any] struct {
	incoming chan Message[M]
	task     *TaskHandle
	cfg      *watch[Config]
}

func NewServer[M any](stream ByteStream, codec packet.Codec[M], cfg Config, opts ...Option) *Server[M] {
	o := newOptions(opts)

	s := &Server[M]{
		incoming: make(chan Message[M], o.streamBuffer),
		task:     newTaskHandle(),
		cfg:      newWatch(cfg),
	}

	h := &serverHandler[M]{
		conn:       newPacketConn(stream, codec, s.cfg, o),
		cfg:        s.cfg,
		opts:       o,
		log:        o.logger.With().Str("side", "server").Logger(),
		queue:      make(chan work[M], o.queueSize),
		done:       s.task.Done(),
		incoming:   s.incoming,
		responders: make(map[uint32]struct{}),
		senders:    make(map[uint32]*StreamSender[M]),
		receivers:  make(map[uint32]*StreamReceiver[M]),
	}
	s.task.start(h.run)

	runtime.SetFinalizer(s, func(s *Server[M]) { s.task.signal() })

	return s
}

// Receive returns the next conversation opened by the client. It returns
// ErrConnectionClosed once the connection ended and everything received
// before was handed out.
func (s *Server[M]) Receive(ctx context.Context) (Message[M], error) {
	select {
	case msg, ok := <-s.incoming:
		if !ok {
			return Message[M]{}, ErrConnectionClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message[M]{}, ctx.Err()
	}
}

func (s *Server[M]) Configurator() Configurator { return Configurator{cfg: s.cfg} }

// Close flushes queued replies, says goodbye to the client and waits for the
// background task.
func (s *Server[M]) Close() error { return s.task.Close() }

func (s *Server[M]) Wait() error { return s.task.Wait() }

func (s *Server[M]) Done() <-chan struct{} { return s.task.Done() }
