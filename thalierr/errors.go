// Package thalierr defines the error kinds surfaced across the discovery,
// beacon and replication-orchestration layer. Every caller-visible error is
// one of these sentinels, optionally wrapped with a message via Wrap so
// errors.Is keeps working through the call stack.
package thalierr

import "errors"

var (
	// ErrArgumentRange is returned when a beacon-generate argument falls
	// outside its valid range (e.g. secondsUntilExpiration not in [0, 86400]).
	ErrArgumentRange = errors.New("argument out of range")

	// ErrArgumentNull is returned when a required argument is nil.
	ErrArgumentNull = errors.New("required argument is nil")

	// ErrMalformedPreamble is returned when a beacon stream's preamble is
	// not 73 bytes or its expiration field is out of range.
	ErrMalformedPreamble = errors.New("malformed beacon preamble")

	// ErrMalformedBeacon is returned when a beacon stream's length, minus
	// the 73-byte preamble, is not a multiple of 48.
	ErrMalformedBeacon = errors.New("malformed beacon stream")

	// ErrNotStarted is returned by any mobile operation invoked before
	// Manager.Start.
	ErrNotStarted = errors.New("call Start")

	// ErrAlreadyStarted is returned by a second Manager.Start call.
	ErrAlreadyStarted = errors.New("call Stop")

	// ErrPeerNotAvailable is returned by GetPeerHostInfo for an unknown
	// or expired (connectionType, peerId) key.
	ErrPeerNotAvailable = errors.New("peer not available")

	// ErrRadioTurnedOff is returned by transport Start methods when the
	// underlying radio is off. It is informational, not fatal.
	ErrRadioTurnedOff = errors.New("radio turned off")
)

// Wrap attaches context to a sentinel error while preserving errors.Is.
func Wrap(sentinel error, context string) error {
	return &wrapped{sentinel: sentinel, context: context}
}

type wrapped struct {
	sentinel error
	context  string
}

func (w *wrapped) Error() string {
	if w.context == "" {
		return w.sentinel.Error()
	}
	return w.context + ": " + w.sentinel.Error()
}

func (w *wrapped) Unwrap() error {
	return w.sentinel
}
