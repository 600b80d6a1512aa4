package history

import (
	"context"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/cover"
)

// Query limits.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// TransitionEntry is one stored cover state change.
type TransitionEntry struct {
	ID        int64     `json:"id"`
	Motor     string    `json:"motor"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Intent    string    `json:"intent,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// ConnectionEntry is one stored robot connection state change.
type ConnectionEntry struct {
	ID    int64     `json:"id"`
	State string    `json:"state"`
	Kind  string    `json:"kind,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Repository stores and retrieves history.
//
// Implementations must be safe for concurrent use.
type Repository interface {
	RecordTransition(ctx context.Context, t cover.Transition) error

	// CoverHistory returns the motor's transitions newest first. limit is
	// clamped to [1, MaxLimit], with DefaultLimit for <= 0.
	CoverHistory(ctx context.Context, motor string, limit int) ([]TransitionEntry, error)

	RecordConnectionEvent(ctx context.Context, e connection.Event) error

	// ConnectionEvents returns connection events newest first.
	ConnectionEvents(ctx context.Context, limit int) ([]ConnectionEntry, error)

	// Prune deletes entries older than olderThan and returns how many.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
