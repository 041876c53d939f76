package packet

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/lithdew/bytesutil"
	"github.com/stretchr/testify/require"
)

type pair struct {
	A, B uint32
}

type pairCodec struct{}

func (pairCodec) Encode(dst []byte, p pair) ([]byte, error) {
	dst = bytesutil.AppendUint32BE(dst, p.A)
	dst = bytesutil.AppendUint32BE(dst, p.B)
	return dst, nil
}

func (pairCodec) Decode(_ Header, body []byte) (pair, error) {
	if len(body) != 8 {
		return pair{}, io.ErrUnexpectedEOF
	}
	return pair{A: bytesutil.Uint32BE(body[:4]), B: bytesutil.Uint32BE(body[4:])}, nil
}

// rawCodec sends opaque bytes, used to build bodies of an exact size.
type rawCodec struct{}

func (rawCodec) Encode(dst []byte, b []byte) ([]byte, error) { return append(dst, b...), nil }
func (rawCodec) Decode(_ Header, body []byte) ([]byte, error) {
	return append([]byte(nil), body...), nil
}

var errFlaky = errors.New("flaky: deadline")

// flakyReader hands out at most step bytes per call and fails every other
// call, which is what a read deadline firing mid packet looks like.
type flakyReader struct {
	data []byte
	step int
	fail bool
}

func (r *flakyReader) Read(p []byte) (int, error) {
	r.fail = !r.fail
	if r.fail {
		return 0, errFlaky
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.step
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestRoundTrip(t *testing.T) {
	buf, err := AppendPacket(nil, KindRequest, 7, pairCodec{}, pair{A: 1, B: 2})
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize+8)

	b := NewBuilder(8)
	h, body, err := b.Read(bytes.NewReader(buf))
	require.NoError(t, err)
	require.EqualValues(t, KindRequest, h.Kind)
	require.EqualValues(t, 7, h.ID)
	require.EqualValues(t, 8, h.BodyLen)

	p, err := pairCodec{}.Decode(h, body)
	require.NoError(t, err)
	require.Equal(t, pair{A: 1, B: 2}, p)
}

func TestBodyLimitBoundary(t *testing.T) {
	const limit = 16

	buf, err := AppendPacket(nil, KindStream, 1, rawCodec{}, make([]byte, limit))
	require.NoError(t, err)

	_, body, err := NewBuilder(limit).Read(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Len(t, body, limit)

	buf, err = AppendPacket(nil, KindStream, 1, rawCodec{}, make([]byte, limit+1))
	require.NoError(t, err)

	r := bytes.NewReader(buf)
	_, err = NewBuilder(limit).ReadHeader(r)
	require.True(t, errors.Is(err, ErrBodyTooLarge))

	// nothing past the header was consumed
	require.Equal(t, limit+1, r.Len())
}

func TestResumeAfterInterruptedReads(t *testing.T) {
	var wire []byte
	for i := uint32(0); i < 3; i++ {
		var err error
		wire, err = AppendPacket(wire, KindStream, i+1, pairCodec{}, pair{A: i, B: i * 10})
		require.NoError(t, err)
	}

	r := &flakyReader{data: wire, step: 5}
	b := NewBuilder(64)

	var got []pair
	for len(got) < 3 {
		h, err := b.ReadHeader(r)
		if errors.Is(err, errFlaky) {
			continue
		}
		require.NoError(t, err)

		_, body, err := b.ReadBody(r)
		if errors.Is(err, errFlaky) {
			continue
		}
		require.NoError(t, err)

		p, err := pairCodec{}.Decode(h, body)
		require.NoError(t, err)
		got = append(got, p)
	}

	require.Equal(t, []pair{{0, 0}, {1, 10}, {2, 20}}, got)

	for {
		_, err := b.ReadHeader(r)
		if errors.Is(err, errFlaky) {
			continue
		}
		require.Equal(t, io.EOF, err)
		break
	}
}

func TestReadHeaderIsIdempotentUntilBody(t *testing.T) {
	buf, err := AppendPacket(nil, KindResponse, 3, pairCodec{}, pair{A: 5, B: 6})
	require.NoError(t, err)

	r := bytes.NewReader(buf)
	b := NewBuilder(64)

	h1, err := b.ReadHeader(r)
	require.NoError(t, err)
	h2, err := b.ReadHeader(r)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	_, body, err := b.ReadBody(r)
	require.NoError(t, err)
	require.Len(t, body, 8)
}

func TestUnexpectedEOF(t *testing.T) {
	buf, err := AppendPacket(nil, KindRequest, 1, pairCodec{}, pair{A: 1, B: 2})
	require.NoError(t, err)

	_, err = NewBuilder(64).ReadHeader(bytes.NewReader(buf[:HeaderSize-3]))
	require.Equal(t, io.ErrUnexpectedEOF, err)

	_, _, err = NewBuilder(64).Read(bytes.NewReader(buf[:len(buf)-1]))
	require.Equal(t, io.ErrUnexpectedEOF, err)

	_, err = NewBuilder(64).ReadHeader(bytes.NewReader(nil))
	require.Equal(t, io.EOF, err)
}

func TestMalformedHeader(t *testing.T) {
	good := Header{Kind: KindPing}.AppendTo(nil)

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 0xFF
	_, err := NewBuilder(64).ReadHeader(bytes.NewReader(badMagic))
	require.True(t, errors.Is(err, ErrMalformedHeader))

	badKind := append([]byte(nil), good...)
	badKind[2] = 200
	_, err = NewBuilder(64).ReadHeader(bytes.NewReader(badKind))
	require.True(t, errors.Is(err, ErrMalformedHeader))

	pingWithBody := Header{Kind: KindPing, BodyLen: 4}.AppendTo(nil)
	_, err = NewBuilder(64).ReadHeader(bytes.NewReader(pingWithBody))
	require.True(t, errors.Is(err, ErrMalformedHeader))

	_, _, err = NewBuilder(64).ReadBody(bytes.NewReader(good))
	require.Error(t, err)
}

func TestControlPacketsHaveNoBody(t *testing.T) {
	buf, err := AppendPacket[pair](nil, KindClose, 0, nil, pair{})
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize)

	h, body, err := NewBuilder(0).Read(bytes.NewReader(buf))
	require.NoError(t, err)
	require.EqualValues(t, KindClose, h.Kind)
	require.Empty(t, body)
}
