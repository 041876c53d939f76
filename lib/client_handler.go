package lib

import (
	"context"
	"errors"
	"io"
	"slices"

	"github.com/TheSmallBoat/muxstream/packet"
	"github.com/rs/zerolog"
)

type pendingRequest[M any] struct {
	msg   M
	reply chan result[M]
}

// clientHandler is the state owned by a client's background task. Nothing
// in it is touched by any other goroutine.
type clientHandler[M any] struct {
	codec packet.Codec[M]
	cfg   *watch[Config]
	opts  options
	log   zerolog.Logger
	queue chan work[M]

	ctx  context.Context
	conn *packetConn[M]

	seq       uint32
	requests  map[uint32]*pendingRequest[M]
	receivers map[uint32]*StreamReceiver[M]
	senders   map[uint32]*StreamSender[M]
	abandoned map[uint32]struct{} // receivers closed locally, peer not yet acknowledged
}

func newClientHandler[M any](codec packet.Codec[M], cfg *watch[Config], queue chan work[M], opts options) *clientHandler[M] {
	return &clientHandler[M]{
		codec:     codec,
		cfg:       cfg,
		opts:      opts,
		log:       opts.logger.With().Str("side", "client").Logger(),
		queue:     queue,
		requests:  make(map[uint32]*pendingRequest[M]),
		receivers: make(map[uint32]*StreamReceiver[M]),
		senders:   make(map[uint32]*StreamSender[M]),
		abandoned: make(map[uint32]struct{}),
	}
}

func (h *clientHandler[M]) run(ctx context.Context, stream ByteStream) error {
	h.ctx = ctx

	for {
		h.conn = newPacketConn(stream, h.codec, h.cfg, h.opts)

		err := h.serve()
		h.conn.close()

		if err == nil { // closed locally
			h.endStreams(ErrConnectionClosed)
			h.failRequests(ErrConnectionClosed)
			h.log.Info().Msg("connection closed")
			return nil
		}

		h.endStreams(ErrConnectionLost)

		if h.opts.recon == nil {
			h.failRequests(ErrConnectionLost)
			if errors.Is(err, errPeerClosed) || errors.Is(err, io.EOF) {
				h.log.Info().Msg("connection closed by peer")
				return nil
			}
			h.log.Warn().Err(err).Msg("connection lost")
			return err
		}

		h.log.Warn().Err(err).Int("pending", len(h.requests)).Msg("connection lost, reconnecting")

		stream, err = reconnect(ctx, h.opts.recon, h.log, h.opts.metrics)
		if err != nil {
			if ctx.Err() != nil {
				h.failRequests(ErrConnectionClosed)
				return nil
			}
			h.failRequests(ErrConnectionLost)
			h.log.Error().Err(err).Msg("gave up reconnecting")
			return err
		}
	}
}

// serve runs one physical connection. It returns nil once a local close
// finished and an error for every other reason the connection ended.
func (h *clientHandler[M]) serve() error {
	if err := h.resend(); err != nil {
		return err
	}

	changed := h.cfg.notify()
	var ka keepAlive
	ka.reset(h.cfg.read().Timeout)
	defer ka.stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return nil
		case in := <-h.conn.inbound:
			if in.err != nil {
				return in.err
			}
			if err := h.conn.apply(h.handle(in)); err != nil {
				return err
			}
		case w := <-h.queue:
			if err := h.process(w); err != nil {
				return err
			}
		case <-ka.C():
			if err := h.conn.writeControl(packet.KindPing, 0); err != nil {
				return err
			}
		case <-changed:
			changed = h.cfg.notify()
			ka.reset(h.cfg.read().Timeout)
		}
	}
}

// resend writes every request still waiting for a reply, oldest id first,
// keeping its original id.
func (h *clientHandler[M]) resend() error {
	if len(h.requests) == 0 {
		return nil
	}

	ids := make([]uint32, 0, len(h.requests))
	for id := range h.requests {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if err := h.conn.write(packet.KindRequest, id, h.requests[id].msg); err != nil {
			return err
		}
	}

	h.log.Info().Int("requests", len(ids)).Msg("re-sent pending requests")

	return nil
}

func (h *clientHandler[M]) shutdown() {
	if err := h.conn.writeControl(packet.KindClose, 0); err != nil {
		return
	}
	h.conn.closeWrite()
	h.conn.awaitPeer(h.cfg.read().Timeout, func(in inbound[M]) { h.handle(in) })
}

func (h *clientHandler[M]) handle(in inbound[M]) sendBack {
	id := in.header.ID

	switch in.header.Kind {
	case packet.KindResponse:
		req, ok := h.requests[id]
		if !ok {
			h.log.Debug().Uint32("id", id).Msg("response for unknown or abandoned request")
			return none
		}
		delete(h.requests, id)
		h.opts.metrics.conversationClosed()
		req.reply <- result[M]{msg: in.msg}
	case packet.KindStream:
		r, ok := h.receivers[id]
		if !ok {
			if _, ok := h.abandoned[id]; ok {
				return reply(packet.KindStreamClose, id)
			}
			h.log.Warn().Uint32("id", id).Msg("stream item for unknown stream")
			return none
		}
		select {
		case r.items <- in.msg:
		case <-r.closed:
		case <-h.ctx.Done():
		}
	case packet.KindStreamClose:
		if r, ok := h.receivers[id]; ok {
			delete(h.receivers, id)
			h.opts.metrics.conversationClosed()
			r.finish(nil)
		} else if s, ok := h.senders[id]; ok {
			delete(h.senders, id)
			h.opts.metrics.conversationClosed()
			s.shut()
		} else {
			delete(h.abandoned, id)
		}
	case packet.KindClose:
		return sendBack{kind: sendClose}
	case packet.KindPong:
	default:
		h.log.Warn().Str("kind", packet.KindString(in.header.Kind)).Uint32("id", id).Msg("unexpected packet")
	}

	return none
}

func (h *clientHandler[M]) process(w work[M]) error {
	switch w.kind {
	case workRequest:
		id := h.nextID()
		buf, err := h.conn.encode(packet.KindRequest, id, w.msg)
		if err != nil {
			w.reply <- result[M]{err: err}
			return nil
		}
		h.requests[id] = &pendingRequest[M]{msg: w.msg, reply: w.reply}
		h.opts.metrics.conversationOpened()
		return h.conn.flush(packet.KindRequest, id, buf)
	case workOpenReceiver:
		id := h.nextID()
		buf, err := h.conn.encode(packet.KindRequestReceiver, id, w.msg)
		if err != nil {
			w.reply <- result[M]{err: err}
			return nil
		}
		w.receiver.id = id
		h.receivers[id] = w.receiver
		h.opts.metrics.conversationOpened()
		w.reply <- result[M]{}
		return h.conn.flush(packet.KindRequestReceiver, id, buf)
	case workOpenSender:
		id := h.nextID()
		buf, err := h.conn.encode(packet.KindRequestSender, id, w.msg)
		if err != nil {
			w.reply <- result[M]{err: err}
			return nil
		}
		w.sender.id = id
		h.senders[id] = w.sender
		h.opts.metrics.conversationOpened()
		w.reply <- result[M]{}
		return h.conn.flush(packet.KindRequestSender, id, buf)
	case workStream:
		if h.senders[w.id] != w.sender {
			return nil
		}
		return h.writeItem(w.id, w.msg)
	case workStreamClose:
		if h.senders[w.id] != w.sender {
			return nil
		}
		delete(h.senders, w.id)
		h.opts.metrics.conversationClosed()
		return h.conn.writeControl(packet.KindStreamClose, w.id)
	case workReceiverClosed:
		if h.receivers[w.id] != w.receiver {
			return nil
		}
		delete(h.receivers, w.id)
		h.opts.metrics.conversationClosed()
		w.receiver.finish(nil)
		h.abandoned[w.id] = struct{}{}
		return h.conn.writeControl(packet.KindStreamClose, w.id)
	case workRequestAbandoned:
		for id, req := range h.requests {
			if req.reply == w.reply {
				delete(h.requests, id)
				h.opts.metrics.conversationClosed()
				break
			}
		}
	}
	return nil
}

// writeItem drops items that fail to encode; the stream itself stays open.
func (h *clientHandler[M]) writeItem(id uint32, msg M) error {
	buf, err := h.conn.encode(packet.KindStream, id, msg)
	if err != nil {
		h.log.Warn().Err(err).Uint32("id", id).Msg("dropped stream item")
		return nil
	}
	return h.conn.flush(packet.KindStream, id, buf)
}

func (h *clientHandler[M]) nextID() uint32 {
	for {
		h.seq++
		if h.seq == 0 {
			continue
		}
		if h.live(h.seq) {
			continue
		}
		return h.seq
	}
}

func (h *clientHandler[M]) live(id uint32) bool {
	if _, ok := h.requests[id]; ok {
		return true
	}
	if _, ok := h.receivers[id]; ok {
		return true
	}
	if _, ok := h.senders[id]; ok {
		return true
	}
	_, ok := h.abandoned[id]
	return ok
}

// endStreams ends every open stream; requests survive for a re-send.
func (h *clientHandler[M]) endStreams(err error) {
	for id, r := range h.receivers {
		delete(h.receivers, id)
		h.opts.metrics.conversationClosed()
		r.finish(err)
	}
	for id, s := range h.senders {
		delete(h.senders, id)
		h.opts.metrics.conversationClosed()
		s.shut()
	}
	clear(h.abandoned)
}

func (h *clientHandler[M]) failRequests(err error) {
	for id, req := range h.requests {
		delete(h.requests, id)
		h.opts.metrics.conversationClosed()
		req.reply <- result[M]{err: err}
	}
}
