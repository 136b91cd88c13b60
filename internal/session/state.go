// ABOUTME: Session status values and the lifecycle state machine
// ABOUTME: Transition decides which engine events may move a session between states

package session

import "github.com/2389/wagate/internal/engine"

// Status is the lifecycle state of a tenant session.
type Status string

const (
	StatusStarting      Status = "starting"
	StatusQRPending     Status = "qr_pending"
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"
	StatusAuthFailed    Status = "auth_failed"
	StatusDisconnected  Status = "disconnected"
	StatusInitError     Status = "init_error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusInitError
}

// Transition returns the state a session in from moves to on an event of the
// given kind, and false if the event is not allowed there.
//
//	starting -> qr_pending <-> authenticated -> ready
//	any non-terminal -> auth_failed | disconnected
//	auth_failed -> qr_pending (re-pair)
//
// init_error is entered only by a failed initialization, never by an event.
func Transition(from Status, kind engine.EventKind) (Status, bool) {
	if from.Terminal() {
		return from, false
	}

	switch kind {
	case engine.EventQR:
		switch from {
		case StatusStarting, StatusQRPending, StatusAuthenticated, StatusAuthFailed:
			return StatusQRPending, true
		}

	case engine.EventAuthenticated:
		switch from {
		case StatusStarting, StatusQRPending, StatusAuthenticated:
			return StatusAuthenticated, true
		}

	case engine.EventReady:
		switch from {
		case StatusStarting, StatusQRPending, StatusAuthenticated, StatusReady:
			return StatusReady, true
		}

	case engine.EventAuthFailure:
		return StatusAuthFailed, true

	case engine.EventDisconnected:
		return StatusDisconnected, true
	}

	return from, false
}
