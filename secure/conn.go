package secure

import (
	"crypto/cipher"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lithdew/bytesutil"
	"github.com/lithdew/kademlia"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/crypto/chacha20poly1305"
)

// MaxRecordSize is the largest plaintext carried by one record.
const MaxRecordSize = 16 << 10

const sizeRecordHeader = 2

var buffers bytebufferpool.Pool

// Conn encrypts everything written to it into length prefixed
// ChaCha20-Poly1305 records. A Read interrupted by a deadline keeps what it
// already read of a record and continues with it on the next call.
type Conn struct {
	conn net.Conn
	peer kademlia.ID

	wmu     sync.Mutex
	send    cipher.AEAD
	sendSeq uint64

	recv    cipher.AEAD
	recvSeq uint64
	hdr     [sizeRecordHeader]byte
	hdrN    int
	rec     []byte
	recN    int
	plain   []byte
}

func newConn(conn net.Conn, sendKey, recvKey []byte, peer kademlia.ID) (*Conn, error) {
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn, peer: peer, send: send, recv: recv}, nil
}

// ID is the server's identity. Both sides see the same value.
func (c *Conn) ID() kademlia.ID { return c.peer }

func nonce(seq uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize-8, chacha20poly1305.NonceSize)
	return append(n, byte(seq>>56), byte(seq>>48), byte(seq>>40), byte(seq>>32),
		byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq))
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	buf := buffers.Get()
	defer buffers.Put(buf)

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxRecordSize {
			chunk = chunk[:MaxRecordSize]
		}

		size := len(chunk) + c.send.Overhead()
		buf.B = bytesutil.AppendUint16BE(buf.B[:0], uint16(size))
		buf.B = c.send.Seal(buf.B, nonce(c.sendSeq), chunk, nil)
		c.sendSeq++

		if _, err := c.conn.Write(buf.B); err != nil {
			return written, err
		}

		written += len(chunk)
		p = p[len(chunk):]
	}

	return written, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	for len(c.plain) == 0 {
		if err := c.readRecord(); err != nil {
			return 0, err
		}
	}

	n := copy(p, c.plain)
	c.plain = c.plain[n:]
	return n, nil
}

func (c *Conn) readRecord() error {
	for c.hdrN < sizeRecordHeader {
		n, err := c.conn.Read(c.hdr[c.hdrN:])
		c.hdrN += n
		if c.hdrN == sizeRecordHeader {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) && c.hdrN > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}

	if c.rec == nil {
		c.rec = make([]byte, bytesutil.Uint16BE(c.hdr[:]))
		c.recN = 0
	}

	for c.recN < len(c.rec) {
		n, err := c.conn.Read(c.rec[c.recN:])
		c.recN += n
		if c.recN == len(c.rec) {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}

	plain, err := c.recv.Open(c.rec[:0], nonce(c.recvSeq), c.rec, nil)
	c.hdrN, c.rec, c.recN = 0, nil, 0
	if err != nil {
		return ErrAuthFailed
	}
	c.recvSeq++
	c.plain = plain

	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// CloseWrite half-closes the underlying connection if it supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
