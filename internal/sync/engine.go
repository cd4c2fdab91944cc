// Package sync drives the copy of vendor racing data into the local store.
//
// A run is a sequence of pages. Each page is fetched from the vendor,
// converted from flat vendor strings into typed records, and committed in a
// single local transaction together with the run's resume cursor. A crash or
// abort therefore never leaves a half-applied page, and the next run resumes
// from the last committed page instead of starting over.
//
// Full mode walks the entire vendor dataset in race-key order. Recent mode
// only fetches races the vendor modified inside a time window, and advances
// its window cursor only once the whole window has been applied.
//
// Cross-process exclusion uses a lease in the store: two syncs of the same
// mode cannot run at once, and a crashed holder's lease expires on its own.
package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/keibalab/keibasync/internal/racekey"
	"github.com/keibalab/keibasync/internal/source"
	"github.com/keibalab/keibasync/internal/store"
)

// Invalidator expires cached derivations for a race after its records
// change. A nil invalidator is allowed and skips the step.
type Invalidator interface {
	InvalidateRace(ctx context.Context, raceID string) (int64, error)
}

// Options tunes a sync run.
type Options struct {
	// PageSize is the number of races fetched and committed per page.
	PageSize int

	// PageTimeout bounds one page end to end: fetch, convert, commit.
	PageTimeout time.Duration

	// MaxFailureRate is the per-page tolerance for rejected records.
	// A page failing above it is rolled back and aborts the run.
	MaxFailureRate float64

	// LeaseTTL is the run lock lease length. It is re-extended after
	// every page, so it only needs to outlive a single page.
	LeaseTTL time.Duration

	// RecentWindow is how far back a recent sync reaches when no cursor
	// and no explicit start time exist.
	RecentWindow time.Duration

	// Owner identifies this process in the run lock. Defaults to
	// hostname and pid.
	Owner string

	Logger *log.Logger
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:       500,
		PageTimeout:    2 * time.Minute,
		MaxFailureRate: 0.1,
		LeaseTTL:       5 * time.Minute,
		RecentWindow:   72 * time.Hour,
	}
}

// State is where a run ended up.
type State string

const (
	StateCompleted          State = "completed"
	StatePartiallyCommitted State = "partially_committed"
	StateAborted            State = "aborted"
)

// Report summarizes one run. Counts are records, not races: a race
// contributes its row plus one row per entry and result.
type Report struct {
	Mode      string
	State     State
	Pages     int
	Fetched   int
	Committed int
	Skipped   int
	Failed    int
	Cursor    string
	Duration  time.Duration
}

// Summary renders the report as a single log-friendly line.
func (r *Report) Summary() string {
	return fmt.Sprintf("%s sync %s: %d pages, %d fetched, %d committed, %d skipped, %d failed in %s",
		r.Mode, r.State, r.Pages, r.Fetched, r.Committed, r.Skipped, r.Failed,
		r.Duration.Round(time.Millisecond))
}

// Engine copies vendor data into the local store.
type Engine struct {
	src    source.Source
	st     *store.Store
	inv    Invalidator
	opts   Options
	logger *log.Logger
}

// NewEngine creates an engine. inv may be nil when no feature cache is
// attached.
func NewEngine(src source.Source, st *store.Store, inv Invalidator, opts Options) *Engine {
	def := DefaultOptions()
	if opts.PageSize < 1 {
		opts.PageSize = def.PageSize
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = def.PageTimeout
	}
	if opts.MaxFailureRate < 0 {
		opts.MaxFailureRate = def.MaxFailureRate
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = def.LeaseTTL
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = def.RecentWindow
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{src: src, st: st, inv: inv, opts: opts, logger: opts.Logger}
}

func (e *Engine) owner() string {
	if e.opts.Owner != "" {
		return e.opts.Owner
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// RunFull walks the whole vendor dataset in race-key order, resuming from
// the stored cursor if a previous run was interrupted. On clean completion
// the cursor is cleared so the next full run starts from the beginning.
func (e *Engine) RunFull(ctx context.Context) (*Report, error) {
	rep := &Report{Mode: store.ModeFull}
	started := time.Now()
	defer func() { rep.Duration = time.Since(started) }()

	owner := e.owner()
	if err := e.st.AcquireRunLock(ctx, store.ModeFull, owner, e.opts.LeaseTTL); err != nil {
		rep.State = StateAborted
		return rep, err
	}
	defer e.releaseLock(store.ModeFull, owner)

	var after racekey.Key
	pos, err := e.st.Cursor(ctx, store.ModeFull)
	if err != nil {
		rep.State = StateAborted
		return rep, err
	}
	if pos != "" {
		if after, err = racekey.Parse(pos); err != nil {
			rep.State = StateAborted
			return rep, fmt.Errorf("stored full-sync cursor is unusable: %w", err)
		}
		e.logger.Printf("resuming full sync after %s", pos)
	}

	for {
		if err := ctx.Err(); err != nil {
			rep.State = StateAborted
			return rep, fmt.Errorf("full sync interrupted: %w", err)
		}

		next, done, err := e.runPage(ctx, rep, func(pageCtx context.Context) ([]source.RaceRow, error) {
			return e.src.FetchRaces(pageCtx, after, e.opts.PageSize)
		}, store.ModeFull)
		if err != nil {
			rep.State = StateAborted
			return rep, err
		}
		if done {
			break
		}
		after = next

		if err := e.st.ExtendRunLock(ctx, store.ModeFull, owner, e.opts.LeaseTTL); err != nil {
			rep.State = StateAborted
			return rep, fmt.Errorf("lost full-sync lease: %w", err)
		}
	}

	if err := e.st.ClearCursor(ctx, store.ModeFull); err != nil {
		rep.State = StateAborted
		return rep, fmt.Errorf("failed to clear full-sync cursor: %w", err)
	}
	rep.State = StateCompleted
	if rep.Failed > 0 {
		rep.State = StatePartiallyCommitted
	}
	e.logger.Print(rep.Summary())
	return rep, nil
}

// RunRecent fetches races the vendor modified in [since, now). A zero since
// means "where the last recent run left off", falling back to the
// configured window for a first run. The window cursor advances only after
// every page of the window has been applied.
func (e *Engine) RunRecent(ctx context.Context, since time.Time) (*Report, error) {
	rep := &Report{Mode: store.ModeRecent}
	started := time.Now()
	defer func() { rep.Duration = time.Since(started) }()

	owner := e.owner()
	if err := e.st.AcquireRunLock(ctx, store.ModeRecent, owner, e.opts.LeaseTTL); err != nil {
		rep.State = StateAborted
		return rep, err
	}
	defer e.releaseLock(store.ModeRecent, owner)

	until := time.Now().UTC()
	if since.IsZero() {
		pos, err := e.st.Cursor(ctx, store.ModeRecent)
		if err != nil {
			rep.State = StateAborted
			return rep, err
		}
		if pos != "" {
			if since, err = time.Parse(time.RFC3339, pos); err != nil {
				rep.State = StateAborted
				return rep, fmt.Errorf("stored recent-sync cursor is unusable: %w", err)
			}
		} else {
			since = until.Add(-e.opts.RecentWindow)
		}
	}
	if !since.Before(until) {
		rep.State = StateCompleted
		return rep, nil
	}
	e.logger.Printf("recent sync window [%s, %s)",
		since.Format(time.RFC3339), until.Format(time.RFC3339))

	var after racekey.Key
	for {
		if err := ctx.Err(); err != nil {
			rep.State = StateAborted
			return rep, fmt.Errorf("recent sync interrupted: %w", err)
		}

		// No cursor mode: the window either applies whole or the next
		// run re-reads it from since.
		next, done, err := e.runPage(ctx, rep, func(pageCtx context.Context) ([]source.RaceRow, error) {
			return e.src.FetchRacesModifiedSince(pageCtx, since, until, after, e.opts.PageSize)
		}, "")
		if err != nil {
			rep.State = StateAborted
			return rep, err
		}
		if done {
			break
		}
		after = next

		if err := e.st.ExtendRunLock(ctx, store.ModeRecent, owner, e.opts.LeaseTTL); err != nil {
			rep.State = StateAborted
			return rep, fmt.Errorf("lost recent-sync lease: %w", err)
		}
	}

	if err := e.st.SetCursor(ctx, store.ModeRecent, until.Format(time.RFC3339)); err != nil {
		rep.State = StateAborted
		return rep, fmt.Errorf("failed to advance recent-sync cursor: %w", err)
	}
	rep.Cursor = until.Format(time.RFC3339)
	rep.State = StateCompleted
	if rep.Failed > 0 {
		rep.State = StatePartiallyCommitted
	}
	e.logger.Print(rep.Summary())
	return rep, nil
}

// runPage executes one page under the page timeout: fetch the race slice,
// pull each race's entries and results, convert, and commit atomically.
// cursorMode selects whether the commit also advances a resume cursor.
// Returns the key to resume after, or done when the source is exhausted.
func (e *Engine) runPage(ctx context.Context, rep *Report, fetch func(context.Context) ([]source.RaceRow, error), cursorMode string) (racekey.Key, bool, error) {
	pageCtx, cancel := context.WithTimeout(ctx, e.opts.PageTimeout)
	defer cancel()

	rows, err := fetch(pageCtx)
	if err != nil {
		return racekey.Key{}, false, fmt.Errorf("page %d fetch failed: %w", rep.Pages+1, err)
	}
	if len(rows) == 0 {
		return racekey.Key{}, true, nil
	}
	rep.Fetched += len(rows)

	page, last, touched, err := e.buildPage(pageCtx, rep, rows)
	if err != nil {
		return racekey.Key{}, false, err
	}
	if last.IsZero() {
		// Every race in the page was malformed. The keyset cursor cannot
		// move past rows it cannot parse, so bail instead of spinning.
		return racekey.Key{}, false, fmt.Errorf("page %d contains no usable races (%d rows)", rep.Pages+1, len(rows))
	}

	applyOpts := store.ApplyOptions{
		Mode:             cursorMode,
		Cursor:           last.String(),
		FailureThreshold: e.opts.MaxFailureRate,
	}
	res, err := e.st.ApplyPage(pageCtx, applyOpts, page)
	rep.Failed += res.Failed
	if err != nil {
		for _, c := range res.Conflicts {
			e.logger.Printf("page %d rejected %s/%s: %v", rep.Pages+1, c.Table, c.Key, c.Err)
		}
		return racekey.Key{}, false, fmt.Errorf("page %d commit failed: %w", rep.Pages+1, err)
	}
	rep.Committed += res.Applied
	rep.Pages++
	if cursorMode != "" {
		rep.Cursor = last.String()
	}
	for _, c := range res.Conflicts {
		e.logger.Printf("page %d skipped %s/%s: %v", rep.Pages, c.Table, c.Key, c.Err)
	}

	e.invalidate(pageCtx, touched)

	// A short page means the source ran out.
	return last, len(rows) < e.opts.PageSize, nil
}

// buildPage converts one slice of vendor races, with their entries and
// results, into a commit-ready page. Malformed rows are counted and
// dropped; fetch failures for a race's children abort the page.
func (e *Engine) buildPage(ctx context.Context, rep *Report, rows []source.RaceRow) (*store.Page, racekey.Key, []string, error) {
	page := &store.Page{}
	var (
		last    racekey.Key
		touched []string
	)
	for i := range rows {
		row := &rows[i]
		rec, err := convertRace(row)
		if err != nil {
			rep.Skipped++
			e.logger.Printf("skipping race %q: %v", row.RaceID, err)
			continue
		}
		page.Races = append(page.Races, *rec)
		last = rec.Key
		touched = append(touched, rec.Key.String())

		entries, err := e.src.FetchEntries(ctx, row.RaceID)
		if err != nil {
			return nil, racekey.Key{}, nil, fmt.Errorf("failed to fetch entries for %s: %w", row.RaceID, err)
		}
		rep.Fetched += len(entries)
		for j := range entries {
			erow := &entries[j]
			erec, err := convertEntry(erow)
			if err != nil {
				rep.Skipped++
				e.logger.Printf("skipping entry %s/%s: %v", erow.RaceID, erow.HorseNo, err)
				continue
			}
			page.Entries = append(page.Entries, *erec)
		}

		results, err := e.src.FetchResults(ctx, row.RaceID)
		if err != nil {
			return nil, racekey.Key{}, nil, fmt.Errorf("failed to fetch results for %s: %w", row.RaceID, err)
		}
		rep.Fetched += len(results)
		for j := range results {
			rrow := &results[j]
			rrec, err := convertResult(rrow)
			if err != nil {
				rep.Skipped++
				e.logger.Printf("skipping result %s/%s: %v", rrow.RaceID, rrow.HorseNo, err)
				continue
			}
			page.Results = append(page.Results, *rrec)
		}
	}
	return page, last, touched, nil
}

// invalidate expires cached features for every race the page touched.
// Failures are logged, not fatal: a stale feature entry ages out anyway.
func (e *Engine) invalidate(ctx context.Context, raceIDs []string) {
	if e.inv == nil {
		return
	}
	for _, id := range raceIDs {
		if _, err := e.inv.InvalidateRace(ctx, id); err != nil {
			e.logger.Printf("failed to invalidate features for %s: %v", id, err)
		}
	}
}

// releaseLock drops the run lease on a fresh context so a canceled run
// still cleans up.
func (e *Engine) releaseLock(mode, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.st.ReleaseRunLock(ctx, mode, owner); err != nil {
		e.logger.Printf("failed to release %s run lock: %v", mode, err)
	}
}

// Verify compares vendor and local race counts. Entries and results are
// reported locally only; the vendor side has no cheap count for them.
type VerifyReport struct {
	SourceRaces  int
	LocalRaces   int
	LocalEntries int
	LocalResults int
}

// Missing returns how many races the local store lacks. Negative means the
// local store has races the vendor no longer reports.
func (v *VerifyReport) Missing() int {
	return v.SourceRaces - v.LocalRaces
}

// Verify counts races on both sides for drift detection.
func (e *Engine) Verify(ctx context.Context) (*VerifyReport, error) {
	srcCount, err := e.src.CountRaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count vendor races: %w", err)
	}
	counts, err := e.st.VerifyCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count local races: %w", err)
	}
	return &VerifyReport{
		SourceRaces:  srcCount,
		LocalRaces:   counts.Races,
		LocalEntries: counts.Entries,
		LocalResults: counts.Results,
	}, nil
}
