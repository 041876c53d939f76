package lib

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// ByteStream is any ordered, duplex stream with read deadlines: net.Conn,
// *tls.Conn, *secure.Conn, net.Pipe. Streams that also implement
// CloseWrite are half-closed on a graceful shutdown, and streams that
// implement Flush are flushed after every packet.
type ByteStream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

type closeWriter interface {
	CloseWrite() error
}

type flusher interface {
	Flush() error
}

// TimeoutReader bounds every read on a stream by an idle timeout. A read
// that hits the deadline returns an error wrapping ErrTimeout; the stream
// stays open and can be read again.
type TimeoutReader struct {
	stream  ByteStream
	timeout time.Duration
}

func NewTimeoutReader(stream ByteStream, timeout time.Duration) *TimeoutReader {
	return &TimeoutReader{stream: stream, timeout: timeout}
}

func (r *TimeoutReader) Timeout() time.Duration { return r.timeout }

// SetTimeout applies to the next Read. Zero removes the deadline.
func (r *TimeoutReader) SetTimeout(timeout time.Duration) { r.timeout = timeout }

func (r *TimeoutReader) Read(p []byte) (int, error) {
	var deadline time.Time
	if r.timeout > 0 {
		deadline = time.Now().Add(r.timeout)
	}
	if err := r.stream.SetReadDeadline(deadline); err != nil {
		return 0, err
	}

	n, err := r.stream.Read(p)
	if err != nil && isTimeout(err) {
		return n, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}
	return n, err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
