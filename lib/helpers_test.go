package lib

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/TheSmallBoat/muxstream/packet"
	"github.com/lithdew/bytesutil"
	"github.com/rs/zerolog"
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

func (pairCodec) Decode(_ packet.Header, body []byte) (pair, error) {
	if len(body) != 8 {
		return pair{}, io.ErrUnexpectedEOF
	}
	return pair{A: bytesutil.Uint32BE(body[:4]), B: bytesutil.Uint32BE(body[4:8])}, nil
}

var testConfig = Config{Timeout: 2 * time.Second, BodyLimit: 1024}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { require.NoError(t, ln.Close()) }()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok)

	return client, server
}

func newPair(t *testing.T, opts ...Option) (*Client[pair], *Server[pair]) {
	t.Helper()

	cc, sc := tcpPair(t)
	return NewClient[pair](cc, pairCodec{}, testConfig, opts...), NewServer[pair](sc, pairCodec{}, testConfig)
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}
