package packet

import "errors"

var (
	ErrMalformedHeader = errors.New("packet: malformed header")
	ErrBodyTooLarge    = errors.New("packet: body too large")
)
