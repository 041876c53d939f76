package lib

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/TheSmallBoat/muxstream/packet"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// rawPeer speaks the packet protocol by hand so tests can forge and inspect
// individual packets.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	b    *packet.Builder
}

func newRawPeer(t *testing.T, conn net.Conn) *rawPeer {
	return &rawPeer{t: t, conn: conn, b: packet.NewBuilder(testConfig.BodyLimit)}
}

func (p *rawPeer) send(kind packet.Kind, id uint32, msg pair) {
	p.t.Helper()

	buf, err := packet.AppendPacket(nil, kind, id, pairCodec{}, msg)
	require.NoError(p.t, err)

	_, err = p.conn.Write(buf)
	require.NoError(p.t, err)
}

func (p *rawPeer) expect(kind packet.Kind) (uint32, pair) {
	p.t.Helper()

	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	h, body, err := p.b.Read(p.conn)
	require.NoError(p.t, err)
	require.Equal(p.t, packet.KindString(kind), packet.KindString(h.Kind))

	if !packet.HasBody(h.Kind) {
		return h.ID, pair{}
	}

	msg, err := pairCodec{}.Decode(h, body)
	require.NoError(p.t, err)

	return h.ID, msg
}

// goodbye answers a client's Close and waits for it to finish.
func (p *rawPeer) goodbye(client *Client[pair]) {
	p.t.Helper()

	done := make(chan error, 1)
	go func() { done <- client.Close() }()

	p.expect(packet.KindClose)
	p.send(packet.KindClose, 0, pair{})
	require.NoError(p.t, p.conn.Close())

	require.NoError(p.t, <-done)
}

// quiet has no keep-alives, so raw peers only see what the test causes.
var quiet = Config{BodyLimit: testConfig.BodyLimit}

func TestClientForgetsAcknowledgedReceivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	cc, sc := tcpPair(t)

	client := NewClient[pair](cc, pairCodec{}, quiet, WithLogger(testLogger(t)))
	peer := newRawPeer(t, sc)

	ctx := context.Background()

	var ids []uint32
	for i := uint32(0); i < 5; i++ {
		r, err := client.RequestReceiver(ctx, pair{A: i})
		require.NoError(t, err)

		id, body := peer.expect(packet.KindRequestReceiver)
		require.Equal(t, pair{A: i}, body)

		peer.send(packet.KindStream, id, pair{A: i, B: 1})
		item, err := r.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, pair{A: i, B: 1}, item)

		r.Close()
		closed, _ := peer.expect(packet.KindStreamClose)
		require.Equal(t, id, closed)

		peer.send(packet.KindStreamClose, id, pair{})
		ids = append(ids, id)
	}

	// once acknowledged, late items are unknown and get no answer
	for _, id := range ids {
		peer.send(packet.KindStream, id, pair{})
	}

	// an unacknowledged receiver still answers late items
	r, err := client.RequestReceiver(ctx, pair{A: 5})
	require.NoError(t, err)
	id, _ := peer.expect(packet.KindRequestReceiver)

	r.Close()
	peer.expect(packet.KindStreamClose)

	peer.send(packet.KindStream, id, pair{})
	closed, _ := peer.expect(packet.KindStreamClose)
	require.Equal(t, id, closed)

	replied := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, pair{A: 1})
		replied <- err
	}()

	id, _ = peer.expect(packet.KindRequest)
	peer.send(packet.KindResponse, id, pair{A: 3})
	require.NoError(t, <-replied)

	peer.goodbye(client)
}

func TestServerAcknowledgesClosedReceiver(t *testing.T) {
	defer goleak.VerifyNone(t)

	cc, sc := tcpPair(t)

	server := NewServer[pair](sc, pairCodec{}, testConfig, WithLogger(testLogger(t)))
	peer := newRawPeer(t, cc)

	stopped := make(chan error, 1)
	wait := serve(server, func(msg Message[pair]) {
		if msg.Kind != MessageRequestReceiver {
			return
		}
		<-msg.Sender.Closed()
		stopped <- msg.Sender.Send(context.Background(), pair{})
		msg.Sender.Close()
	})

	peer.send(packet.KindRequestReceiver, 7, pair{A: 1})
	peer.send(packet.KindStreamClose, 7, pair{})

	id, _ := peer.expect(packet.KindStreamClose)
	require.EqualValues(t, 7, id)
	require.ErrorIs(t, <-stopped, ErrStreamClosed)

	// the id is free again
	peer.send(packet.KindRequest, 7, pair{A: 2})
	peer.send(packet.KindClose, 0, pair{})
	peer.expect(packet.KindClose)
	require.NoError(t, cc.Close())

	require.NoError(t, server.Wait())
	wait()
}

// redial accepts connections on a loopback listener and returns a strategy
// dialing it.
func redial(t *testing.T) (net.Listener, <-chan net.Conn, ReconStrat) {
	t.Helper()

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	strat := func(ctx context.Context, attempt int) (ByteStream, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ln.Addr().String())
	}

	return ln, accepted, strat
}

func TestClientResendsPendingRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, accepted, strat := redial(t)
	defer func() { require.NoError(t, ln.Close()) }()

	cc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	client := NewClient[pair](cc, pairCodec{}, quiet, WithReconnect(strat), WithLogger(testLogger(t)))

	type answer struct {
		msg pair
		err error
	}
	replied := make(chan answer, 1)
	go func() {
		msg, err := client.Request(context.Background(), pair{A: 1, B: 2})
		replied <- answer{msg, err}
	}()

	first := newRawPeer(t, <-accepted)
	id, body := first.expect(packet.KindRequest)
	require.Equal(t, pair{A: 1, B: 2}, body)

	// drop the connection without answering
	require.NoError(t, first.conn.Close())

	second := newRawPeer(t, <-accepted)
	resent, body := second.expect(packet.KindRequest)
	require.Equal(t, id, resent)
	require.Equal(t, pair{A: 1, B: 2}, body)

	second.send(packet.KindResponse, resent, pair{A: 3, B: 4})

	res := <-replied
	require.NoError(t, res.err)
	require.Equal(t, pair{A: 3, B: 4}, res.msg)

	second.goodbye(client)
}

func TestClientDoesNotResendAbandonedRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, accepted, strat := redial(t)
	defer func() { require.NoError(t, ln.Close()) }()

	cc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	client := NewClient[pair](cc, pairCodec{}, quiet, WithReconnect(strat), WithLogger(testLogger(t)))
	first := newRawPeer(t, <-accepted)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Request(ctx, pair{A: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	abandoned, _ := first.expect(packet.KindRequest)

	replied := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), pair{A: 2})
		replied <- err
	}()

	// queued after the abandonment, so the handler saw that first
	pending, _ := first.expect(packet.KindRequest)
	require.NotEqual(t, abandoned, pending)

	require.NoError(t, first.conn.Close())

	second := newRawPeer(t, <-accepted)
	resent, body := second.expect(packet.KindRequest)
	require.Equal(t, pending, resent)
	require.Equal(t, pair{A: 2}, body)

	second.send(packet.KindResponse, resent, pair{A: 4})
	require.NoError(t, <-replied)

	// a reply for the abandoned id is ignored
	second.send(packet.KindResponse, abandoned, pair{A: 3})

	replied2 := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), pair{A: 5})
		replied2 <- err
	}()

	id, body := second.expect(packet.KindRequest)
	require.NotEqual(t, abandoned, id)
	require.Equal(t, pair{A: 5}, body)
	second.send(packet.KindResponse, id, pair{A: 7})
	require.NoError(t, <-replied2)

	second.goodbye(client)
}
