package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/cover"
)

// SQLiteRepository implements Repository on the cover_transitions and
// connection_events tables. Timestamps are stored as unix milliseconds.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// RecordTransition inserts a cover transition. A zero At is stamped now.
func (r *SQLiteRepository) RecordTransition(ctx context.Context, t cover.Transition) error {
	if t.Motor == "" {
		return errors.New("motor is required")
	}
	at := t.At
	if at.IsZero() {
		at = r.now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cover_transitions (motor, from_state, to_state, intent, command_id, error, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Motor,
		string(t.From),
		string(t.To),
		string(t.Intent),
		t.CommandID,
		errorText(t.Err),
		at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting cover transition: %w", err)
	}
	return nil
}

// CoverHistory returns recent transitions for motor, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - motor: Motor name
//   - limit: Maximum entries (default 50, max 200)
//
// Returns:
//   - []TransitionEntry: Possibly empty, never nil
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteRepository) CoverHistory(ctx context.Context, motor string, limit int) ([]TransitionEntry, error) {
	if motor == "" {
		return nil, errors.New("motor is required")
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, motor, from_state, to_state, intent, command_id, error, occurred_at
		 FROM cover_transitions
		 WHERE motor = ?
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT ?`,
		motor,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying cover history: %w", err)
	}
	defer rows.Close()

	entries := make([]TransitionEntry, 0, limit)
	for rows.Next() {
		var e TransitionEntry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Motor, &e.From, &e.To, &e.Intent, &e.CommandID, &e.Error, &ms); err != nil {
			return nil, fmt.Errorf("scanning cover history: %w", err)
		}
		e.At = time.UnixMilli(ms).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cover history: %w", err)
	}
	return entries, nil
}

// RecordConnectionEvent inserts a connection state change.
func (r *SQLiteRepository) RecordConnectionEvent(ctx context.Context, e connection.Event) error {
	if e.State == "" {
		return errors.New("state is required")
	}
	at := e.At
	if at.IsZero() {
		at = r.now()
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO connection_events (state, kind, error, occurred_at) VALUES (?, ?, ?, ?)",
		string(e.State),
		string(e.Kind),
		errorText(e.Err),
		at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

// ConnectionEvents returns recent connection events, newest first.
func (r *SQLiteRepository) ConnectionEvents(ctx context.Context, limit int) ([]ConnectionEntry, error) {
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, state, kind, error, occurred_at
		 FROM connection_events
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	entries := make([]ConnectionEntry, 0, limit)
	for rows.Next() {
		var e ConnectionEntry
		var ms int64
		if err := rows.Scan(&e.ID, &e.State, &e.Kind, &e.Error, &ms); err != nil {
			return nil, fmt.Errorf("scanning connection events: %w", err)
		}
		e.At = time.UnixMilli(ms).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}
	return entries, nil
}

// Prune deletes transitions and connection events older than olderThan.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be positive")
	}
	cutoff := r.now().Add(-olderThan).UnixMilli()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var total int64
	for _, table := range []string{"cover_transitions", "connection_events"} {
		// table comes from the fixed list above.
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE occurred_at < ?", cutoff) // #nosec G202
		if err != nil {
			return 0, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("checking rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return total, nil
}
