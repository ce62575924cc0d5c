package channels

import "errors"

var (
	ErrInvalidCapacity = errors.New("channels: capacity must be positive")
	ErrInvalidTimeout  = errors.New("channels: negative timeout")
	ErrTimeout         = errors.New("channels: operation timed out")
	ErrTerminated      = errors.New("channels: channel terminated")
	ErrDestroyed       = errors.New("channels: channel destroyed")
	ErrEOT             = errors.New("channels: end of transmission")
	ErrInvalidBlob     = errors.New("channels: malformed channel blob")
	ErrNotResident     = errors.New("channels: channel not resident in this process")
)
