package stun

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the codec and client. Each may be
// wrapped; test with errors.Is.
var (
	// ErrParse reports a byte buffer that does not conform to the STUN
	// wire format.
	ErrParse = errors.New("stun: cannot parse as STUN message")

	// ErrTimeout reports that no matching response arrived within the
	// client's receive timeout. NAT filtering discovery uses it as a
	// signal, not only as a failure.
	ErrTimeout = errors.New("stun: request timed out")

	// ErrClientClosed reports a request issued against a closed client.
	ErrClientClosed = errors.New("stun: client closed")
)

// IOError wraps a failed UDP operation, retaining the OS-level cause.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("stun: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NotSupportedError reports that a server response omits an attribute
// required for further analysis.
type NotSupportedError struct {
	Feature string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("stun: not supported by the server: %s", e.Feature)
}

// UnknownError is the invariant-violation sentinel.
type UnknownError struct {
	Message string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("stun: unknown error: %s", e.Message)
}

// IsTimeout reports whether err is (or wraps) ErrTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
