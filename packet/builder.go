package packet

import (
	"errors"
	"fmt"
	"io"
)

var errNoHeader = errors.New("packet: ReadBody called before ReadHeader completed")

// Builder parses packets off a byte stream in two phases, ReadHeader then
// ReadBody. Both phases keep whatever they have read so far when the
// underlying reader fails, so a call interrupted by a read deadline can be
// retried and continues exactly where it stopped.
//
// A Builder is not safe for concurrent use.
type Builder struct {
	limit uint32

	hdr  [HeaderSize]byte
	hdrN int // header bytes read so far

	header Header
	ready  bool // header complete and validated

	body  []byte
	bodyN int // body bytes read so far
}

func NewBuilder(limit uint32) *Builder {
	return &Builder{limit: limit}
}

// SetLimit changes the maximum accepted body length. It applies to the next
// header that completes.
func (b *Builder) SetLimit(limit uint32) { b.limit = limit }

func (b *Builder) Limit() uint32 { return b.limit }

// ReadHeader reads and validates the next header. It returns io.EOF if the
// stream ended cleanly before any byte of a new packet, io.ErrUnexpectedEOF
// if it ended inside the header, and ErrBodyTooLarge, without consuming any
// body byte, if the declared body exceeds the limit.
func (b *Builder) ReadHeader(r io.Reader) (Header, error) {
	if b.ready {
		return b.header, nil
	}

	for b.hdrN < HeaderSize {
		n, err := r.Read(b.hdr[b.hdrN:])
		b.hdrN += n
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return Header{}, err
		}
		if b.hdrN == 0 {
			return Header{}, io.EOF
		}
		if b.hdrN < HeaderSize {
			return Header{}, io.ErrUnexpectedEOF
		}
	}

	h, err := UnmarshalHeader(b.hdr[:])
	if err != nil {
		return h, err
	}
	if h.BodyLen > b.limit {
		return h, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrBodyTooLarge, h.BodyLen, b.limit)
	}

	b.header = h
	b.ready = true
	b.body = make([]byte, h.BodyLen)
	b.bodyN = 0

	return h, nil
}

// ReadBody reads the body announced by the last header. On success the
// builder is reset for the next packet and ownership of the returned body
// passes to the caller.
func (b *Builder) ReadBody(r io.Reader) (Header, []byte, error) {
	if !b.ready {
		return Header{}, nil, errNoHeader
	}

	for b.bodyN < len(b.body) {
		n, err := r.Read(b.body[b.bodyN:])
		b.bodyN += n
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return b.header, nil, err
		}
		if b.bodyN < len(b.body) {
			return b.header, nil, io.ErrUnexpectedEOF
		}
	}

	h, body := b.header, b.body
	b.reset()

	return h, body, nil
}

// Read runs both phases.
func (b *Builder) Read(r io.Reader) (Header, []byte, error) {
	if _, err := b.ReadHeader(r); err != nil {
		return Header{}, nil, err
	}
	return b.ReadBody(r)
}

func (b *Builder) reset() {
	b.hdrN = 0
	b.ready = false
	b.header = Header{}
	b.body = nil
	b.bodyN = 0
}
