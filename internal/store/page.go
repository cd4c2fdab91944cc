package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPageFailed is returned by ApplyPage when the per-record failure rate
// exceeds the configured threshold and the whole page was rolled back.
var ErrPageFailed = errors.New("page failure rate exceeded threshold")

// Page is one converted batch of vendor records, applied atomically.
type Page struct {
	Races   []RaceRecord
	Entries []EntryRecord
	Results []ResultRecord
}

// Size returns the total record count in the page.
func (p *Page) Size() int {
	return len(p.Races) + len(p.Entries) + len(p.Results)
}

// ApplyOptions configures one page apply.
type ApplyOptions struct {
	// Mode selects the cursor row to advance on commit; empty skips cursor
	// handling (used by tests and one-off applies).
	Mode string

	// Cursor is the new high-water position recorded if and only if the
	// page transaction commits.
	Cursor string

	// FailureThreshold is the tolerated fraction of failed records in
	// [0, 1]. A page whose failure rate exceeds this rolls back entirely;
	// below or at it, the successful subset commits and failures are
	// reported for logging.
	FailureThreshold float64
}

// PageResult reports what one page apply did.
type PageResult struct {
	Applied   int
	Failed    int
	Conflicts []*ConflictError
}

// FailureRate returns failed records as a fraction of the page.
func (r PageResult) FailureRate() float64 {
	total := r.Applied + r.Failed
	if total == 0 {
		return 0
	}
	return float64(r.Failed) / float64(total)
}

// ApplyPage applies one page in a single transaction, advancing the sync
// cursor in that same transaction.
//
// Records are applied in dependency order (races, then entries, then
// results) so foreign keys see their parents. A constraint violation on one
// record does not poison the transaction; it is collected as a
// ConflictError and applying continues. Only when the aggregate failure
// rate exceeds opts.FailureThreshold is the page rolled back and
// ErrPageFailed returned - the cursor then stays at its previous position,
// making the run safely restartable.
func (s *Store) ApplyPage(ctx context.Context, opts ApplyOptions, page *Page) (PageResult, error) {
	var result PageResult
	now := time.Now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin page transaction: %w", err)
	}
	defer tx.Rollback()

	record := func(err error) {
		if err == nil {
			result.Applied++
			return
		}
		result.Failed++
		var ce *ConflictError
		if errors.As(err, &ce) {
			result.Conflicts = append(result.Conflicts, ce)
		} else {
			result.Conflicts = append(result.Conflicts, &ConflictError{Err: err})
		}
	}

	for i := range page.Races {
		record(upsertRace(ctx, tx, &page.Races[i], now))
	}
	for i := range page.Entries {
		record(upsertEntry(ctx, tx, &page.Entries[i], now))
	}
	for i := range page.Results {
		record(upsertResult(ctx, tx, &page.Results[i], now))
	}

	if result.FailureRate() > opts.FailureThreshold {
		total := result.Applied + result.Failed
		// Nothing commits; the would-be applies roll back with the page.
		result.Applied = 0
		return result, fmt.Errorf("%w: %d of %d records failed",
			ErrPageFailed, result.Failed, total)
	}

	if opts.Mode != "" {
		if err := setCursor(ctx, tx, opts.Mode, opts.Cursor, now); err != nil {
			return result, err
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit page: %w", err)
	}
	return result, nil
}
