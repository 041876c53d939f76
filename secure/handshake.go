package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/lithdew/bytesutil"
	"github.com/lithdew/kademlia"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrBadSignature = errors.New("secure: server signature is malformed")
	ErrUnexpectedID = errors.New("secure: server identity does not match")
	ErrAuthFailed   = errors.New("secure: record failed authentication")
)

// HandshakeTimeout bounds the whole key exchange.
var HandshakeTimeout = 10 * time.Second

const (
	sizeKey  = 32
	keysInfo = "muxstream secure v1"
)

// Client runs the handshake as the dialing side. If serverPub is not
// kademlia.ZeroPublicKey the server must prove it owns that key.
func Client(conn net.Conn, serverPub kademlia.PublicKey) (*Conn, error) {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, err
	}

	ephPriv, ephPub, err := ephemeral()
	if err != nil {
		return nil, err
	}

	if err := writeFrame(conn, ephPub); err != nil {
		return nil, fmt.Errorf("secure: failed to send client hello: %w", err)
	}

	buf, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("secure: failed to read server hello: %w", err)
	}

	h, err := unmarshalServerHello(buf)
	if err != nil {
		return nil, err
	}

	if err := h.ID.Validate(); err != nil {
		return nil, fmt.Errorf("secure: server sent an invalid id: %w", err)
	}
	if serverPub != kademlia.ZeroPublicKey && h.ID.Pub != serverPub {
		return nil, ErrUnexpectedID
	}
	if !h.Signature.Verify(h.ID.Pub, h.appendPayloadTo(nil, ephPub)) {
		return nil, ErrBadSignature
	}

	c2s, s2c, err := deriveKeys(ephPriv, h.Eph[:], ephPub, h.Eph[:])
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return newConn(conn, c2s, s2c, h.ID)
}

// Server runs the handshake as the accepting side and signs the exchange
// with priv.
func Server(conn net.Conn, priv kademlia.PrivateKey) (*Conn, error) {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, err
	}

	clientEph, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("secure: failed to read client hello: %w", err)
	}
	if len(clientEph) != sizeKey {
		return nil, fmt.Errorf("secure: client hello is %d bytes: %w", len(clientEph), io.ErrUnexpectedEOF)
	}

	ephPriv, ephPub, err := ephemeral()
	if err != nil {
		return nil, err
	}

	h := serverHello{ID: localID(conn, priv)}
	copy(h.Eph[:], ephPub)
	h.Signature = priv.Sign(h.appendPayloadTo(nil, clientEph))

	if err := writeFrame(conn, h.AppendTo(nil)); err != nil {
		return nil, fmt.Errorf("secure: failed to send server hello: %w", err)
	}

	c2s, s2c, err := deriveKeys(ephPriv, clientEph, clientEph, h.Eph[:])
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return newConn(conn, s2c, c2s, h.ID)
}

func localID(conn net.Conn, priv kademlia.PrivateKey) kademlia.ID {
	id := kademlia.ID{Pub: priv.Public(), Host: net.IPv4zero}
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		id.Host = addr.IP
		id.Port = uint16(addr.Port)
	}
	return id
}

type serverHello struct {
	Eph       [sizeKey]byte
	ID        kademlia.ID
	Signature kademlia.Signature
}

// appendPayloadTo appends what the server signs: both ephemeral keys and
// its id.
func (h serverHello) appendPayloadTo(dst, clientEph []byte) []byte {
	dst = append(dst, clientEph...)
	dst = append(dst, h.Eph[:]...)
	return h.ID.AppendTo(dst)
}

func (h serverHello) AppendTo(dst []byte) []byte {
	dst = append(dst, h.Eph[:]...)
	dst = append(dst, h.Signature[:]...)
	return h.ID.AppendTo(dst)
}

func unmarshalServerHello(buf []byte) (serverHello, error) {
	var h serverHello

	if len(buf) < sizeKey+kademlia.SizeSignature {
		return h, io.ErrUnexpectedEOF
	}

	copy(h.Eph[:], buf[:sizeKey])
	buf = buf[sizeKey:]
	copy(h.Signature[:], buf[:kademlia.SizeSignature])
	buf = buf[kademlia.SizeSignature:]

	id, _, err := kademlia.UnmarshalID(buf)
	if err != nil {
		return h, err
	}
	h.ID = id

	return h, nil
}

func ephemeral() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// deriveKeys returns the client to server and server to client keys.
func deriveKeys(ephPriv, peerEph, clientEph, serverEph []byte) (c2s, s2c []byte, err error) {
	shared, err := curve25519.X25519(ephPriv, peerEph)
	if err != nil {
		return nil, nil, fmt.Errorf("secure: key exchange failed: %w", err)
	}

	salt := make([]byte, 0, 2*sizeKey)
	salt = append(salt, clientEph...)
	salt = append(salt, serverEph...)

	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(keysInfo)), keys); err != nil {
		return nil, nil, err
	}

	return keys[:chacha20poly1305.KeySize], keys[chacha20poly1305.KeySize:], nil
}

func writeFrame(w io.Writer, payload []byte) error {
	buf := bytesutil.AppendUint16BE(make([]byte, 0, 2+len(payload)), uint16(len(payload)))
	_, err := w.Write(append(buf, payload...))
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var size [2]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, bytesutil.Uint16BE(size[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
