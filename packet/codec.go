package packet

import (
	"fmt"
	"math"
)

// Codec turns application messages into packet bodies and back. The framing
// layer never looks inside a body; it only calls Encode on send and Decode
// once a whole body has been read.
type Codec[M any] interface {
	// Encode appends the encoded form of msg to dst.
	Encode(dst []byte, msg M) ([]byte, error)
	// Decode parses a body that arrived under header h. Implementations
	// must not retain body after returning.
	Decode(h Header, body []byte) (M, error)
}

// AppendPacket appends a complete packet (header and body) to dst. Kinds
// without a body ignore msg and c.
func AppendPacket[M any](dst []byte, kind Kind, id uint32, c Codec[M], msg M) ([]byte, error) {
	start := len(dst)
	dst = Header{Kind: kind, ID: id}.AppendTo(dst)
	if !HasBody(kind) {
		return dst, nil
	}

	var err error
	dst, err = c.Encode(dst, msg)
	if err != nil {
		return dst[:start], err
	}

	size := len(dst) - start - HeaderSize
	if uint64(size) > math.MaxUint32 {
		return dst[:start], fmt.Errorf("%w: encoded body is %d bytes", ErrBodyTooLarge, size)
	}

	// the body length is only known now, rewrite the header in place
	Header{Kind: kind, ID: id, BodyLen: uint32(size)}.AppendTo(dst[start:start])

	return dst, nil
}
