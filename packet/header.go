package packet

import (
	"fmt"

	"github.com/lithdew/bytesutil"
)

const (
	Magic      uint16 = 0x4D58
	HeaderSize        = 12
)

type Kind = uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindRequestReceiver // opens a server to client stream
	KindRequestSender   // opens a client to server stream
	KindStream
	KindStreamClose
	KindPing
	KindPong
	KindClose
)

func KindString(k Kind) string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindRequestReceiver:
		return "request_receiver"
	case KindRequestSender:
		return "request_sender"
	case KindStream:
		return "stream"
	case KindStreamClose:
		return "stream_close"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindClose:
		return "close"
	}
	return "unknown"
}

// HasBody reports whether packets of kind k carry a codec encoded body.
func HasBody(k Kind) bool {
	switch k {
	case KindRequest, KindResponse, KindRequestReceiver, KindRequestSender, KindStream:
		return true
	}
	return false
}

// Header is the fixed wire header in front of every packet.
type Header struct {
	Kind    Kind   // packet kind
	ID      uint32 // conversation id, 0 for connection level packets
	BodyLen uint32 // body length in bytes
}

func (h Header) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint16BE(dst, Magic)
	dst = append(dst, h.Kind, 0)
	dst = bytesutil.AppendUint32BE(dst, h.ID)
	dst = bytesutil.AppendUint32BE(dst, h.BodyLen)
	return dst
}

func UnmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(buf))
	}
	if magic := bytesutil.Uint16BE(buf[:2]); magic != Magic {
		return h, fmt.Errorf("%w: bad magic %#04x", ErrMalformedHeader, magic)
	}
	if buf[3] != 0 {
		return h, fmt.Errorf("%w: reserved byte is %d", ErrMalformedHeader, buf[3])
	}
	h.Kind = buf[2]
	if h.Kind < KindRequest || h.Kind > KindClose {
		return h, fmt.Errorf("%w: unknown kind %d", ErrMalformedHeader, h.Kind)
	}
	h.ID = bytesutil.Uint32BE(buf[4:8])
	h.BodyLen = bytesutil.Uint32BE(buf[8:12])
	if !HasBody(h.Kind) && h.BodyLen != 0 {
		return h, fmt.Errorf("%w: %s packet with %d body bytes", ErrMalformedHeader, KindString(h.Kind), h.BodyLen)
	}
	return h, nil
}
