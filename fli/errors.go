package fli

import (
	"errors"
	"fmt"

	"github.com/j-r-jones/dragon/channels"
	"github.com/j-r-jones/dragon/memory"
)

// Kind classifies a streaming failure. Callers branch on the Kind; the
// wrapped cause keeps the collaborator's error reachable through
// errors.Is.
type Kind int

const (
	KindNone Kind = iota
	KindTimeout
	KindEOT
	KindEndOfStream
	KindOutOfMemory
	KindMessageDestroyed
	KindInvalidArg
	KindNotOpen
	KindProtocol
	KindCreation
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindEOT:
		return "end of transmission"
	case KindEndOfStream:
		return "end of stream"
	case KindOutOfMemory:
		return "out of memory"
	case KindMessageDestroyed:
		return "message destroyed"
	case KindInvalidArg:
		return "invalid argument"
	case KindNotOpen:
		return "handle not open"
	case KindProtocol:
		return "protocol failure"
	case KindCreation:
		return "creation failure"
	default:
		return "unclassified"
	}
}

// Error is the uniform failure type for streaming operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "fli: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	msg += e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind regardless of operation.
// Sentinels that carry an inner cause additionally require the cause
// to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	if t.Err == nil || t.Err == e.Err {
		return true
	}
	return errors.Is(e.Err, t.Err)
}

// Sentinels for errors.Is comparisons. Operations return richer
// *Error values; these carry the Kind alone.
var (
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrEndOfTransmission = &Error{Kind: KindEOT}
	ErrEndOfStream       = &Error{Kind: KindEndOfStream}
	ErrOutOfMemory       = &Error{Kind: KindOutOfMemory}
	ErrMessageDestroyed  = &Error{Kind: KindMessageDestroyed}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArg}
	ErrNotOpen           = &Error{Kind: KindNotOpen}
	ErrProtocol          = &Error{Kind: KindProtocol}
	ErrCreation          = &Error{Kind: KindCreation}

	errUndelivered = errors.New("stream closed with undelivered data")

	// ErrUndeliveredData reports that a receive handle discarded
	// messages its caller never consumed.
	ErrUndeliveredData = &Error{Kind: KindProtocol, Op: "close", Err: errUndelivered}
)

// KindOf extracts the Kind from an error chain, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

func errOf(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// sendErr maps a channel failure on the send side. Cooperative
// termination surfaces as end-of-stream only when the handle opted in.
func sendErr(op string, err error, allowTerminate bool) error {
	switch {
	case errors.Is(err, channels.ErrTimeout):
		return errOf(KindTimeout, op, err)
	case errors.Is(err, channels.ErrTerminated):
		if allowTerminate {
			return errOf(KindEndOfStream, op, err)
		}
		return errOf(KindProtocol, op, err)
	case errors.Is(err, channels.ErrInvalidTimeout):
		return errOf(KindInvalidArg, op, err)
	default:
		return errOf(KindProtocol, op, err)
	}
}

// recvErr maps a channel failure on the receive side.
func recvErr(op string, err error) error {
	switch {
	case errors.Is(err, channels.ErrTimeout):
		return errOf(KindTimeout, op, err)
	case errors.Is(err, channels.ErrEOT):
		return errOf(KindEOT, op, err)
	case errors.Is(err, channels.ErrInvalidTimeout):
		return errOf(KindInvalidArg, op, err)
	default:
		return errOf(KindProtocol, op, err)
	}
}

// allocErr maps a pool allocation failure.
func allocErr(op string, err error) error {
	switch {
	case errors.Is(err, memory.ErrPoolFull),
		errors.Is(err, memory.ErrSizeTooLarge),
		errors.Is(err, memory.ErrPoolDestroyed):
		return errOf(KindOutOfMemory, op, err)
	default:
		return errOf(KindProtocol, op, err)
	}
}
