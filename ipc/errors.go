package ipc

import (
	"fmt"
)

// ErrorKind classifies transport errors
type ErrorKind int

const (
	KindArgument ErrorKind = iota
	KindCapacityExceeded
	KindWrongContext
	KindPipe
	KindMissingCallback
	KindTimeout
	KindEvicted
	KindNotFound
	KindClosed
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindArgument:
		return "argument"
	case KindCapacityExceeded:
		return "capacity exceeded"
	case KindWrongContext:
		return "wrong context"
	case KindPipe:
		return "pipe"
	case KindMissingCallback:
		return "missing callback"
	case KindTimeout:
		return "timeout"
	case KindEvicted:
		return "evicted"
	case KindNotFound:
		return "not found"
	case KindClosed:
		return "closed"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error represents errors from the IPC transport
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindArgument:
		msg = fmt.Sprintf("invalid argument: %s", e.Message)
	case KindCapacityExceeded:
		msg = fmt.Sprintf("resource cache full: %s", e.Message)
	case KindWrongContext:
		msg = fmt.Sprintf("must be called on the home loop: %s", e.Message)
	case KindPipe:
		msg = fmt.Sprintf("pipe error: %s", e.Message)
	case KindMissingCallback:
		msg = fmt.Sprintf("no callback registered: %s", e.Message)
	case KindTimeout:
		msg = fmt.Sprintf("timed out: %s", e.Message)
	case KindEvicted:
		msg = fmt.Sprintf("evicted: %s", e.Message)
	case KindNotFound:
		msg = fmt.Sprintf("not found: %s", e.Message)
	case KindClosed:
		msg = fmt.Sprintf("closed: %s", e.Message)
	case KindProtocol:
		msg = fmt.Sprintf("protocol violation: %s", e.Message)
	default:
		msg = e.Message
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrArgument         = &Error{Kind: KindArgument}
	ErrCapacityExceeded = &Error{Kind: KindCapacityExceeded}
	ErrWrongContext     = &Error{Kind: KindWrongContext}
	ErrPipe             = &Error{Kind: KindPipe}
	ErrMissingCallback  = &Error{Kind: KindMissingCallback}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrEvicted          = &Error{Kind: KindEvicted}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrClosed           = &Error{Kind: KindClosed}
	ErrProtocol         = &Error{Kind: KindProtocol}
)

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
