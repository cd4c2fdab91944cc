package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sync modes. Each mode keeps its own cursor and run lock.
const (
	ModeFull   = "full"
	ModeRecent = "recent"
)

// Cursor returns the persisted high-water mark for the given sync mode.
// An empty string means no cursor has been recorded (start from scratch).
func (s *Store) Cursor(ctx context.Context, mode string) (string, error) {
	var position string
	err := s.conn.QueryRowContext(ctx,
		"SELECT position FROM sync_cursor WHERE mode = ?", mode).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s cursor: %w", mode, err)
	}
	return position, nil
}

// SetCursor records the high-water mark for a mode in its own transaction.
//
// The sync engine only calls this once a unit of work is durably committed:
// page applies advance the cursor inside the page transaction (see
// ApplyPage); this standalone form is for end-of-run advances, such as
// moving the recent cursor to the window end after the whole window
// committed.
func (s *Store) SetCursor(ctx context.Context, mode, position string) error {
	return setCursor(ctx, s.conn, mode, position, time.Now())
}

func setCursor(ctx context.Context, ex execer, mode, position string, now time.Time) error {
	query := `
	INSERT INTO sync_cursor (mode, position, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(mode) DO UPDATE SET
		position = excluded.position,
		updated_at = excluded.updated_at
	`
	if _, err := ex.ExecContext(ctx, query, mode, position, now.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to set %s cursor: %w", mode, err)
	}
	return nil
}

// ClearCursor removes the cursor for a mode. A completed full run clears
// its cursor so the next full run starts from the beginning again.
func (s *Store) ClearCursor(ctx context.Context, mode string) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM sync_cursor WHERE mode = ?", mode); err != nil {
		return fmt.Errorf("failed to clear %s cursor: %w", mode, err)
	}
	return nil
}
