package transport

import (
	"context"
	"errors"
	"net"
)

// ErrClosed is returned by Send once the channel is closed. It is reported,
// never fatal: sends are fire-and-forget.
var ErrClosed = errors.New("signaling channel closed")

type ErrorKind string

const (
	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindRefused ErrorKind = "refused"
)

// Error is returned by Open when the channel could not be established.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "signaling channel " + string(e.Kind)
	}
	return "signaling channel " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an open timeout.
func IsTimeout(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == ErrorKindTimeout
}

func classifyDialError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrorKindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrorKindTimeout, Err: err}
	}
	return &Error{Kind: ErrorKindRefused, Err: err}
}
