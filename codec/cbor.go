package codec

import (
	"fmt"

	"github.com/TheSmallBoat/muxstream/packet"
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: the same message always becomes
// the same body.
var encMode cbor.EncMode

// decMode ignores unknown fields so peers can add fields independently.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR encodes bodies of type M as CBOR.
type CBOR[M any] struct{}

var _ packet.Codec[struct{}] = CBOR[struct{}]{}

func (CBOR[M]) Encode(dst []byte, msg M) ([]byte, error) {
	buf, err := encMode.Marshal(msg)
	if err != nil {
		return dst, fmt.Errorf("codec: failed to encode cbor body: %w", err)
	}
	return append(dst, buf...), nil
}

func (CBOR[M]) Decode(_ packet.Header, body []byte) (M, error) {
	var msg M
	if err := decMode.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("codec: failed to decode cbor body: %w", err)
	}
	return msg, nil
}
