package cover

import (
	"fmt"
	"strings"
	"time"
)

// State is the tracked position of a cover.
type State string

// Cover states.
const (
	StateClosed  State = "closed"
	StateOpening State = "opening"
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateUnknown State = "unknown"
)

// Moving reports whether the state is a travel phase.
func (s State) Moving() bool {
	return s == StateOpening || s == StateClosing
}

// Intent is a requested cover action.
type Intent string

// Cover intents.
const (
	IntentOpen  Intent = "open"
	IntentClose Intent = "close"
	IntentStop  Intent = "stop"
)

// ParseIntent accepts an intent name in any case.
func ParseIntent(s string) (Intent, error) {
	switch i := Intent(strings.ToLower(strings.TrimSpace(s))); i {
	case IntentOpen, IntentClose, IntentStop:
		return i, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidIntent, s)
}

// Config describes one motor. It is immutable once the cover is built.
type Config struct {
	Name          string
	OpenTime      time.Duration
	CloseTime     time.Duration
	FlipDirection bool
}

// Snapshot is a read-only view of a cover.
type Snapshot struct {
	Motor          string        `json:"motor"`
	State          State         `json:"state"`
	LastTransition time.Time     `json:"last_transition"`
	LastError      string        `json:"last_error,omitempty"`
	InFlight       Intent        `json:"in_flight,omitempty"`
	CommandID      string        `json:"command_id,omitempty"`
	Available      bool          `json:"available"`
	OpenTime       time.Duration `json:"open_time"`
	CloseTime      time.Duration `json:"close_time"`
	FlipDirection  bool          `json:"flip_direction"`
}

// Transition records a state change or a completed command.
type Transition struct {
	Motor     string
	From      State
	To        State
	Intent    Intent
	CommandID string
	Err       error
	At        time.Time
}

// Command is a dispatched intent.
type Command struct {
	ID     string
	Intent Intent
	// Done receives the outcome once and is then closed.
	Done <-chan error
}
