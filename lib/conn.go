package lib

import (
	"fmt"
	"sync"
	"time"

	"github.com/TheSmallBoat/muxstream/packet"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
)

// inbound is one parsed packet, or the error that ended the reader.
type inbound[M any] struct {
	header packet.Header
	msg    M
	err    error
}

// packetConn wraps one physical stream. The reader goroutine owns the read
// half and the framer; whoever owns the packetConn owns the write half.
type packetConn[M any] struct {
	stream  ByteStream
	codec   packet.Codec[M]
	cfg     *watch[Config]
	log     zerolog.Logger
	metrics *Metrics

	inbound chan inbound[M]
	stop    chan struct{}

	wg   sync.WaitGroup
	once sync.Once
}

func newPacketConn[M any](stream ByteStream, codec packet.Codec[M], cfg *watch[Config], opts options) *packetConn[M] {
	c := &packetConn[M]{
		stream:  stream,
		codec:   codec,
		cfg:     cfg,
		log:     opts.logger,
		metrics: opts.metrics,
		inbound: make(chan inbound[M]),
		stop:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// readLoop hands every decoded packet to the handler. Any read error ends
// the connection, ErrTimeout included: an idle timeout is never resumed.
func (c *packetConn[M]) readLoop() {
	defer c.wg.Done()

	cfg := c.cfg.read()
	b := packet.NewBuilder(cfg.BodyLimit)
	r := NewTimeoutReader(c.stream, cfg.Timeout)

	for {
		cfg = c.cfg.read()
		b.SetLimit(cfg.BodyLimit)
		r.SetTimeout(cfg.Timeout)

		var in inbound[M]

		h, body, err := b.Read(r)
		switch {
		case err != nil:
			in.err = err
		case packet.HasBody(h.Kind):
			in.header = h
			in.msg, err = c.codec.Decode(h, body)
			if err != nil {
				in.err = fmt.Errorf("failed to decode %s packet %d: %w", packet.KindString(h.Kind), h.ID, err)
			}
		default:
			in.header = h
		}

		if in.err == nil {
			c.metrics.packetReceived(h.Kind)
			c.log.Debug().Str("kind", packet.KindString(h.Kind)).Uint32("id", h.ID).Msg("packet received")
		}

		select {
		case c.inbound <- in:
		case <-c.stop:
			return
		}

		if in.err != nil {
			return
		}
	}
}

// encode renders a packet into a pooled buffer. Encoding errors concern a
// single conversation and leave the connection usable.
func (c *packetConn[M]) encode(kind packet.Kind, id uint32, msg M) (*bytebufferpool.ByteBuffer, error) {
	buf := bufferPool.acquire()

	var err error
	buf.B, err = packet.AppendPacket(buf.B[:0], kind, id, c.codec, msg)
	if err != nil {
		bufferPool.release(buf)
		return nil, fmt.Errorf("failed to encode %s packet %d: %w", packet.KindString(kind), id, err)
	}

	return buf, nil
}

// flush writes an encoded packet and gives its buffer back to the pool.
func (c *packetConn[M]) flush(kind packet.Kind, id uint32, buf *bytebufferpool.ByteBuffer) error {
	defer bufferPool.release(buf)

	if _, err := c.stream.Write(buf.B); err != nil {
		return err
	}
	if f, ok := c.stream.(flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}

	c.metrics.packetSent(kind)
	c.log.Debug().Str("kind", packet.KindString(kind)).Uint32("id", id).Msg("packet sent")

	return nil
}

func (c *packetConn[M]) write(kind packet.Kind, id uint32, msg M) error {
	buf, err := c.encode(kind, id, msg)
	if err != nil {
		return err
	}
	return c.flush(kind, id, buf)
}

func (c *packetConn[M]) writeControl(kind packet.Kind, id uint32) error {
	var zero M
	return c.write(kind, id, zero)
}

// apply carries out a directive produced for an inbound packet. It returns
// errPeerClosed if the connection has to end.
func (c *packetConn[M]) apply(sb sendBack) error {
	switch sb.kind {
	case sendPacket:
		return c.writeControl(sb.packet, sb.id)
	case sendClose:
		return errPeerClosed
	case sendCloseWithPacket:
		if err := c.writeControl(sb.packet, sb.id); err != nil {
			return err
		}
		return errPeerClosed
	}
	return nil
}

func (c *packetConn[M]) closeWrite() {
	if cw, ok := c.stream.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// awaitPeer hands every packet read to fn until the peer said goodbye, the
// stream ended or timeout passed.
func (c *packetConn[M]) awaitPeer(timeout time.Duration, fn func(in inbound[M])) {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}

	t := timerPool.acquire(timeout)
	defer timerPool.release(t)

	for {
		select {
		case in := <-c.inbound:
			if in.err != nil || in.header.Kind == packet.KindClose {
				return
			}
			if fn != nil {
				fn(in)
			}
		case <-t.C:
			return
		}
	}
}

// close shuts the stream and waits for the reader to exit.
func (c *packetConn[M]) close() {
	c.once.Do(func() {
		close(c.stop)
		if err := c.stream.Close(); err != nil {
			c.log.Debug().Err(err).Msg("failed to close stream")
		}
		c.wg.Wait()
	})
}
