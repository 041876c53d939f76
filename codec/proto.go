package codec

import (
	"fmt"

	"github.com/TheSmallBoat/muxstream/packet"
	"google.golang.org/protobuf/proto"
)

// Proto encodes protobuf messages. New returns an empty message to decode
// into, e.g. func() *pb.Item { return new(pb.Item) }.
type Proto[M proto.Message] struct {
	New func() M
}

func NewProto[M proto.Message](newFn func() M) Proto[M] {
	return Proto[M]{New: newFn}
}

var marshal = proto.MarshalOptions{Deterministic: true}

func (p Proto[M]) Encode(dst []byte, msg M) ([]byte, error) {
	out, err := marshal.MarshalAppend(dst, msg)
	if err != nil {
		return dst, fmt.Errorf("codec: failed to encode protobuf body: %w", err)
	}
	return out, nil
}

func (p Proto[M]) Decode(_ packet.Header, body []byte) (M, error) {
	msg := p.New()
	if err := proto.Unmarshal(body, msg); err != nil {
		return msg, fmt.Errorf("codec: failed to decode protobuf body: %w", err)
	}
	return msg, nil
}
