package sensor

import "errors"

// All driver errors are recovered locally by the caller skipping the tick;
// none of them are fatal.
var (
	ErrTimeout    = errors.New("sensor: no response before timeout")
	ErrBadFrame   = errors.New("sensor: invalid response frame")
	ErrOutOfRange = errors.New("sensor: distance outside rated range")
)
