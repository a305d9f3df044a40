package socket

import "time"

// State is the lifecycle position of a Manager's connection.
type State int32

const (
	// StateIdle means Connect has never been called.
	StateIdle State = iota

	// StateConnecting means the first attempt after Connect is in flight.
	StateConnecting

	// StateOpen means the server accepted the token and events flow.
	StateOpen

	// StateReconnecting means the transport dropped or an attempt failed and
	// the backoff timer or a retry attempt is pending.
	StateReconnecting

	// StateClosed means Disconnect was called, the token was rejected or the
	// retry budget ran out. Only Connect leaves this state.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StatusChange is published on EventStatus for every transition.
type StatusChange struct {
	Old State
	New State

	// Err is the cause for transitions out of Open, Connecting or
	// Reconnecting that were not requested by Disconnect.
	Err error

	// Attempt counts consecutive failed attempts; RetryIn is the delay before
	// the next one. Both are zero outside StateReconnecting.
	Attempt int
	RetryIn time.Duration
}
