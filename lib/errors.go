package lib

import "errors"

var (
	// ErrTimeout is returned by TimeoutReader when no byte arrived within
	// the configured idle timeout. The stream itself is left open.
	ErrTimeout = errors.New("lib: read timed out")

	// ErrConnectionClosed is returned by facade operations once the
	// background task has finished.
	ErrConnectionClosed = errors.New("lib: connection closed")

	// ErrConnectionLost is delivered to conversations that could not
	// survive the loss of the physical connection.
	ErrConnectionLost = errors.New("lib: connection lost")

	// ErrStreamClosed is returned when sending into a conversation that
	// either side already closed.
	ErrStreamClosed = errors.New("lib: stream already closed")

	// ErrStopReconnect may be wrapped by a ReconStrat to end a
	// reconnection episode for good.
	ErrStopReconnect = errors.New("lib: reconnection stopped")

	// ErrTaskPanicked is returned by Wait and Close when the background
	// task panicked.
	ErrTaskPanicked = errors.New("lib: background task panicked")

	errPeerClosed = errors.New("lib: peer closed the connection")
)
