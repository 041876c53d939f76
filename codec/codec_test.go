package codec

import (
	"bytes"
	"testing"

	"github.com/TheSmallBoat/muxstream/packet"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type item struct {
	Name  string            `cbor:"1,keyasint"`
	Seq   uint64            `cbor:"2,keyasint"`
	Attrs map[string]string `cbor:"3,keyasint,omitempty"`
}

func TestCBORThroughBuilder(t *testing.T) {
	c := CBOR[item]{}
	in := item{Name: "sensor", Seq: 42, Attrs: map[string]string{"b": "2", "a": "1"}}

	buf, err := packet.AppendPacket(nil, packet.KindStream, 7, packet.Codec[item](c), in)
	require.NoError(t, err)

	h, body, err := packet.NewBuilder(1024).Read(bytes.NewReader(buf))
	require.NoError(t, err)
	require.EqualValues(t, packet.KindStream, h.Kind)
	require.EqualValues(t, 7, h.ID)

	out, err := c.Decode(h, body)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestCBORIsDeterministic(t *testing.T) {
	c := CBOR[map[string]int]{}

	a, err := c.Encode(nil, map[string]int{"x": 1, "y": 2, "z": 3})
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		b, err := c.Encode(nil, map[string]int{"z": 3, "y": 2, "x": 1})
		require.NoError(t, err)
		require.Equal(t, a, b)
	}
}

func TestCBORRejectsGarbage(t *testing.T) {
	_, err := CBOR[item]{}.Decode(packet.Header{}, []byte{0xff, 0x00})
	require.Error(t, err)
}

func TestProtoThroughBuilder(t *testing.T) {
	c := NewProto(func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) })
	in := wrapperspb.String("hello")

	buf, err := packet.AppendPacket(nil, packet.KindRequest, 1, packet.Codec[*wrapperspb.StringValue](c), in)
	require.NoError(t, err)

	h, body, err := packet.NewBuilder(1024).Read(bytes.NewReader(buf))
	require.NoError(t, err)

	out, err := c.Decode(h, body)
	require.NoError(t, err)
	require.True(t, proto.Equal(in, out))
}

func TestProtoAppendsToExistingBuffer(t *testing.T) {
	c := NewProto(func() *wrapperspb.UInt64Value { return new(wrapperspb.UInt64Value) })

	dst := []byte("prefix")
	out, err := c.Encode(dst, wrapperspb.UInt64(300))
	require.NoError(t, err)
	require.Equal(t, "prefix", string(out[:6]))

	msg, err := c.Decode(packet.Header{}, out[6:])
	require.NoError(t, err)
	require.EqualValues(t, 300, msg.GetValue())
}
