package cursor

import (
	"errors"
	"time"
)

// State is the phase of a sync run for one tenant.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateSuccess State = "success"
	StateBlocked State = "blocked"
	StateError   State = "error"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateIdle:    {StatePolling, StateBlocked},
	StatePolling: {StateSuccess, StateBlocked, StateError},
	StateSuccess: {StateIdle},
	StateBlocked: {StateIdle},
	StateError:   {StateIdle},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// Terminal reports whether a sync run ends in s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateBlocked || s == StateError
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateIdle:
		return "Idle - waiting for the next sync"
	case StatePolling:
		return "Polling - requesting distribution windows"
	case StateSuccess:
		return "Success - window ingested and cursor committed"
	case StateBlocked:
		return "Blocked - throttled by the authority"
	case StateError:
		return "Error - protocol or transport failure, cursor untouched"
	default:
		return "Unknown state"
	}
}
