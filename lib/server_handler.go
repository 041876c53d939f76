package lib

import (
	"context"
	"errors"
	"io"

	"github.com/TheSmallBoat/muxstream/packet"
	"github.com/rs/zerolog"
)

type serverHandler[M any] struct {
	conn  *packetConn[M]
	cfg   *watch[Config]
	opts  options
	log   zerolog.Logger
	queue chan work[M]
	done  <-chan struct{}

	incoming chan Message[M]

	ctx        context.Context
	responders map[uint32]struct{}
	senders    map[uint32]*StreamSender[M]   // server to client
	receivers  map[uint32]*StreamReceiver[M] // client to server
}

func (h *serverHandler[M]) run(ctx context.Context) error {
	h.ctx = ctx

	defer close(h.incoming)

	err := h.serve()
	h.conn.close()

	if err == nil {
		h.end(ErrConnectionClosed)
		h.log.Info().Msg("connection closed")
		return nil
	}

	h.end(ErrConnectionLost)

	if errors.Is(err, errPeerClosed) || errors.Is(err, io.EOF) {
		h.log.Info().Msg("connection closed by peer")
		return nil
	}

	h.log.Warn().Err(err).Msg("connection failed")
	return err
}

func (h *serverHandler[M]) serve() error {
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
		}
	}
}

// shutdown flushes whatever the application already queued, then says
// goodbye and waits for the peer to do the same.
func (h *serverHandler[M]) shutdown() {
drain:
	for {
		select {
		case w := <-h.queue:
			if err := h.process(w); err != nil {
				return
			}
		default:
			break drain
		}
	}

	if err := h.conn.writeControl(packet.KindClose, 0); err != nil {
		return
	}
	h.conn.closeWrite()
	h.conn.awaitPeer(h.cfg.read().Timeout, nil)
}

func (h *serverHandler[M]) live(id uint32) bool {
	if _, ok := h.responders[id]; ok {
		return true
	}
	if _, ok := h.senders[id]; ok {
		return true
	}
	_, ok := h.receivers[id]
	return ok
}

func (h *serverHandler[M]) handle(in inbound[M]) sendBack {
	id := in.header.ID
	kind := in.header.Kind

	switch kind {
	case packet.KindRequest, packet.KindRequestReceiver, packet.KindRequestSender:
		if h.live(id) {
			h.log.Warn().Str("kind", packet.KindString(kind)).Uint32("id", id).Msg("duplicate conversation id")
			return none
		}
		h.open(kind, id, in.msg)
	case packet.KindStream:
		r, ok := h.receivers[id]
		if !ok {
			return reply(packet.KindStreamClose, id)
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
			// the client closed its receiver; acknowledge so it can forget the id
			delete(h.senders, id)
			h.opts.metrics.conversationClosed()
			s.shut()
			return reply(packet.KindStreamClose, id)
		}
	case packet.KindPing:
		return reply(packet.KindPong, 0)
	case packet.KindClose:
		return sendBack{kind: sendCloseWithPacket, packet: packet.KindClose}
	default:
		h.log.Warn().Str("kind", packet.KindString(kind)).Uint32("id", id).Msg("unexpected packet")
	}

	return none
}

func (h *serverHandler[M]) open(kind packet.Kind, id uint32, body M) {
	msg := Message[M]{Body: body}

	switch kind {
	case packet.KindRequest:
		h.responders[id] = struct{}{}
		msg.Kind = MessageRequest
		msg.Responder = &Responder[M]{id: id, queue: h.queue, done: h.done}
	case packet.KindRequestReceiver:
		s := newStreamSender[M](id, h.queue, h.done)
		h.senders[id] = s
		msg.Kind = MessageRequestReceiver
		msg.Sender = s
	case packet.KindRequestSender:
		r := newStreamReceiver[M](id, h.opts.streamBuffer, h.queue, h.done)
		h.receivers[id] = r
		msg.Kind = MessageRequestSender
		msg.Receiver = r
	}
	h.opts.metrics.conversationOpened()

	select {
	case h.incoming <- msg:
	case <-h.ctx.Done():
	}
}

func (h *serverHandler[M]) process(w work[M]) error {
	switch w.kind {
	case workResponse:
		if _, ok := h.responders[w.id]; !ok {
			h.log.Warn().Uint32("id", w.id).Msg("response for unknown request")
			return nil
		}
		delete(h.responders, w.id)
		h.opts.metrics.conversationClosed()

		buf, err := h.conn.encode(packet.KindResponse, w.id, w.msg)
		if err != nil {
			h.log.Warn().Err(err).Uint32("id", w.id).Msg("dropped response")
			return nil
		}
		return h.conn.flush(packet.KindResponse, w.id, buf)
	case workStream:
		if h.senders[w.id] != w.sender {
			return nil
		}
		buf, err := h.conn.encode(packet.KindStream, w.id, w.msg)
		if err != nil {
			h.log.Warn().Err(err).Uint32("id", w.id).Msg("dropped stream item")
			return nil
		}
		return h.conn.flush(packet.KindStream, w.id, buf)
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
		return h.conn.writeControl(packet.KindStreamClose, w.id)
	}
	return nil
}

func (h *serverHandler[M]) end(err error) {
	for id := range h.responders {
		delete(h.responders, id)
		h.opts.metrics.conversationClosed()
	}
	for id, s := range h.senders {
		delete(h.senders, id)
		h.opts.metrics.conversationClosed()
		s.shut()
	}
	for id, r := range h.receivers {
		delete(h.receivers, id)
		h.opts.metrics.conversationClosed()
		r.finish(err)
	}
}
