package session

import "fmt"

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StatePaused
	StateEnding
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StatePaused:
		return "PAUSED"
	case StateEnding:
		return "ENDING"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateActive, StateEnding, StateError},
	StateActive:     {StatePaused, StateEnding, StateError},
	StatePaused:     {StateActive, StateEnding, StateError},
	StateEnding:     {StateIdle},
	StateError:      {StateEnding},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
