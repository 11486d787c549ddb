package session

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveSession   = errors.New("no active session")
	ErrSessionInProgress = errors.New("session already in progress")
	ErrInvalidConfig     = errors.New("invalid session config")
	ErrNoFallback        = errors.New("no fallback endpoint configured")
	ErrAckTimeout        = errors.New("session acknowledgement timed out")
)

// SessionInitError is returned when a session cannot be started. State is
// the orchestrator state at the time of the call.
type SessionInitError struct {
	Reason string
	State  State
	Err    error
}

func (e *SessionInitError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("start session: %v", e.Err)
	}
	return fmt.Sprintf("start session: %s", e.Reason)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

// TransitionError reports a request the state machine does not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}
