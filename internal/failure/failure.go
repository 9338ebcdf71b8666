// Package failure defines the error taxonomy shared by the pairing server and
// the client session controller. Every failure that crosses a component
// boundary carries a Kind so callers can map it to a protocol message or a
// user-facing notification without string matching.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kind implements error so it can be used directly
// as an errors.Is target.
type Kind string

const (
	// TransientNetwork covers lost connections and undeliverable chat
	// messages. Chat sends are retractable and the client may reconnect.
	TransientNetwork Kind = "transient_network"

	// CapacityExhausted is returned when a rate limit denies a message. It is
	// user visible and never retried automatically.
	CapacityExhausted Kind = "capacity_exhausted"

	// StaleSession means the relay target is no longer registered.
	StaleSession Kind = "stale_session"

	// SafetyRejected is an Eligibility Gate veto. It is never surfaced to the
	// requester.
	SafetyRejected Kind = "safety_rejected"

	// DeviceUnavailable is a media acquisition failure. Terminal for the
	// attempt.
	DeviceUnavailable Kind = "device_unavailable"

	// ReconnectExhausted means the reconnect budget ran out. Requires a full
	// manual restart.
	ReconnectExhausted Kind = "reconnect_exhausted"
)

func (k Kind) Error() string { return string(k) }

// Error is a classified failure with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches either the exact Kind or another *Error with the same Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the Kind carried by err, or "" if err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
