package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSyncAlreadyRunning is returned when a run lock for a sync mode is held
// by a live lease. The new run fails fast instead of blocking.
var ErrSyncAlreadyRunning = errors.New("a sync run for this mode is already running")

// IsAlreadyRunning reports whether err is the run-lock guard firing.
func IsAlreadyRunning(err error) bool {
	return errors.Is(err, ErrSyncAlreadyRunning)
}

// AcquireRunLock takes the mutual-exclusion lease for a sync mode.
//
// Leases are rows in sync_locks, so the guard holds across processes, not
// just goroutines. A lease left behind by a crashed run is taken over once
// it expires; a healthy long run must re-acquire (extend) before its ttl
// elapses, which the sync engine does at page boundaries.
func (s *Store) AcquireRunLock(ctx context.Context, mode, owner string, ttl time.Duration) error {
	now := time.Now().UTC()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback()

	var curOwner, expiresAt string
	err = tx.QueryRowContext(ctx,
		"SELECT owner, expires_at FROM sync_locks WHERE mode = ?", mode).
		Scan(&curOwner, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// free
	case err != nil:
		return fmt.Errorf("failed to read run lock: %w", err)
	default:
		exp, perr := time.Parse(time.RFC3339, expiresAt)
		if perr == nil && exp.After(now) && curOwner != owner {
			return fmt.Errorf("%w (mode=%s, held by %s until %s)",
				ErrSyncAlreadyRunning, mode, curOwner, exp.Format(time.RFC3339))
		}
		// expired or our own lease: take over below
	}

	query := `
	INSERT INTO sync_locks (mode, owner, acquired_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(mode) DO UPDATE SET
		owner = excluded.owner,
		acquired_at = excluded.acquired_at,
		expires_at = excluded.expires_at
	`
	_, err = tx.ExecContext(ctx, query,
		mode, owner,
		now.Format(time.RFC3339),
		now.Add(ttl).Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to write run lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run lock: %w", err)
	}
	return nil
}

// ExtendRunLock pushes out the lease expiry for a lock we already hold.
func (s *Store) ExtendRunLock(ctx context.Context, mode, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.conn.ExecContext(ctx,
		"UPDATE sync_locks SET expires_at = ? WHERE mode = ? AND owner = ?",
		now.Add(ttl).Format(time.RFC3339), mode, owner)
	if err != nil {
		return fmt.Errorf("failed to extend run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to extend run lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run lock for mode %s is no longer held by %s", mode, owner)
	}
	return nil
}

// ReleaseRunLock drops the lease. Releasing a lock not held by owner is a
// no-op, so a run that lost its lease to takeover cannot stomp the new one.
func (s *Store) ReleaseRunLock(ctx context.Context, mode, owner string) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM sync_locks WHERE mode = ? AND owner = ?", mode, owner); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}
