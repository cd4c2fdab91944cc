package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keibalab/keibasync/internal/racekey"
	"github.com/keibalab/keibasync/internal/source"
	"github.com/keibalab/keibasync/internal/store"
)

// fakeSource serves a fixed dataset from memory, optionally failing the
// page fetched after a given key to simulate a mid-run outage.
type fakeSource struct {
	races   []source.RaceRow
	entries map[string][]source.EntryRow
	results map[string][]source.ResultRow

	// failAfter makes FetchRaces fail when resuming after this key
	// ("" fails the very first page).
	failAfter *string

	fetchAfters []string
	closed      bool
}

var errLinkDown = errors.New("vendor link down")

func (f *fakeSource) FetchRaces(ctx context.Context, after racekey.Key, limit int) ([]source.RaceRow, error) {
	a := ""
	if !after.IsZero() {
		a = after.String()
	}
	f.fetchAfters = append(f.fetchAfters, a)
	if f.failAfter != nil && *f.failAfter == a {
		return nil, errLinkDown
	}

	var out []source.RaceRow
	for _, r := range f.races {
		if r.RaceID > a {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSource) FetchRacesModifiedSince(ctx context.Context, since, until time.Time, after racekey.Key, limit int) ([]source.RaceRow, error) {
	a := ""
	if !after.IsZero() {
		a = after.String()
	}
	if f.failAfter != nil && *f.failAfter == a {
		return nil, errLinkDown
	}

	var out []source.RaceRow
	for _, r := range f.races {
		if r.RaceID <= a || r.ModifiedAt.Before(since) || !r.ModifiedAt.Before(until) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) FetchEntries(ctx context.Context, raceID string) ([]source.EntryRow, error) {
	return f.entries[raceID], nil
}

func (f *fakeSource) FetchResults(ctx context.Context, raceID string) ([]source.ResultRow, error) {
	return f.results[raceID], nil
}

func (f *fakeSource) CountRaces(ctx context.Context) (int, error) {
	return len(f.races), nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

var _ source.Source = (*fakeSource)(nil)

// fakeInvalidator records which races had their features expired.
type fakeInvalidator struct {
	raceIDs []string
}

func (f *fakeInvalidator) InvalidateRace(ctx context.Context, raceID string) (int64, error) {
	f.raceIDs = append(f.raceIDs, raceID)
	return 1, nil
}

// raceID generates the i-th key of a synthetic season: twelve races a day
// at one venue, days advancing with i.
func raceID(i int) string {
	day := time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i/12)
	return fmt.Sprintf("%s0501%02d", day.Format("20060102"), i%12+1)
}

// newFakeSource builds n races, each with two starters and two results.
func newFakeSource(n int, modifiedAt time.Time) *fakeSource {
	f := &fakeSource{
		entries: make(map[string][]source.EntryRow),
		results: make(map[string][]source.ResultRow),
	}
	for i := 0; i < n; i++ {
		id := raceID(i)
		f.races = append(f.races, source.RaceRow{
			RaceID:     id,
			Name:       fmt.Sprintf("テスト%d", i+1),
			Grade:      "C",
			Track:      "10",
			Distance:   "1600",
			Going:      "1",
			Weather:    "1",
			EntryCount: "02",
			ModifiedAt: modifiedAt,
		})
		for h := 1; h <= 2; h++ {
			f.entries[id] = append(f.entries[id], source.EntryRow{
				RaceID:        id,
				HorseNo:       fmt.Sprintf("%02d", h),
				HorseID:       fmt.Sprintf("20211%05d", i*2+h),
				HorseName:     "テストホース",
				JockeyID:      "01088",
				Draw:          fmt.Sprintf("%02d", h),
				WeightCarried: "570",
				WinOdds:       "023",
			})
			f.results[id] = append(f.results[id], source.ResultRow{
				RaceID:     id,
				HorseNo:    fmt.Sprintf("%02d", h),
				FinishPos:  fmt.Sprintf("%02d", h),
				FinishTime: "1556",
			})
		}
	}
	return f
}

func testEngine(t *testing.T, src source.Source, inv Invalidator, opts Options) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	opts.Logger = log.New(io.Discard, "", 0)
	opts.Owner = "test-1"
	return NewEngine(src, s, inv, opts), s
}

func TestEngine_RunFull_CompletesAndClearsCursor(t *testing.T) {
	src := newFakeSource(25, time.Now())
	eng, s := testEngine(t, src, nil, Options{PageSize: 10})
	ctx := context.Background()

	rep, err := eng.RunFull(ctx)
	if err != nil {
		t.Fatalf("RunFull() failed: %v", err)
	}
	if rep.State != StateCompleted {
		t.Errorf("State = %s, want completed", rep.State)
	}
	if rep.Pages != 3 {
		t.Errorf("Pages = %d, want 3", rep.Pages)
	}
	// 25 races, each with 2 entries and 2 results.
	if rep.Committed != 25*5 {
		t.Errorf("Committed = %d, want %d", rep.Committed, 25*5)
	}
	if rep.Failed != 0 || rep.Skipped != 0 {
		t.Errorf("Failed/Skipped = %d/%d, want 0/0", rep.Failed, rep.Skipped)
	}

	counts, err := s.VerifyCounts(ctx)
	if err != nil {
		t.Fatalf("VerifyCounts() failed: %v", err)
	}
	if counts.Races != 25 || counts.Entries != 50 || counts.Results != 50 {
		t.Errorf("counts = %+v, want 25/50/50", counts)
	}

	pos, err := s.Cursor(ctx, store.ModeFull)
	if err != nil {
		t.Fatalf("Cursor() failed: %v", err)
	}
	if pos != "" {
		t.Errorf("cursor = %q after clean completion, want empty", pos)
	}
}

func TestEngine_RunFull_ResumesAfterMidRunOutage(t *testing.T) {
	src := newFakeSource(25, time.Now())
	eng, s := testEngine(t, src, nil, Options{PageSize: 10})
	ctx := context.Background()

	// The link dies when the second page is requested: page one commits,
	// page two never arrives.
	lastOfPageOne := raceID(9)
	src.failAfter = &lastOfPageOne

	rep, err := eng.RunFull(ctx)
	if err == nil {
		t.Fatal("RunFull() should fail when the second page fetch dies")
	}
	if !errors.Is(err, errLinkDown) {
		t.Errorf("error = %v, want link-down cause", err)
	}
	if rep.State != StateAborted {
		t.Errorf("State = %s, want aborted", rep.State)
	}
	if rep.Committed != 10*5 {
		t.Errorf("Committed = %d, want %d (page one only)", rep.Committed, 10*5)
	}

	pos, err := s.Cursor(ctx, store.ModeFull)
	if err != nil {
		t.Fatalf("Cursor() failed: %v", err)
	}
	if pos != lastOfPageOne {
		t.Errorf("cursor = %q, want %q (last committed race)", pos, lastOfPageOne)
	}

	// Link restored. The next run must pick up after page one, not
	// refetch it.
	src.failAfter = nil
	src.fetchAfters = nil

	rep, err = eng.RunFull(ctx)
	if err != nil {
		t.Fatalf("resumed RunFull() failed: %v", err)
	}
	if rep.State != StateCompleted {
		t.Errorf("resumed State = %s, want completed", rep.State)
	}
	if len(src.fetchAfters) == 0 || src.fetchAfters[0] != lastOfPageOne {
		t.Errorf("resumed fetch started after %q, want %q", src.fetchAfters, lastOfPageOne)
	}

	counts, err := s.VerifyCounts(ctx)
	if err != nil {
		t.Fatalf("VerifyCounts() failed: %v", err)
	}
	if counts.Races != 25 || counts.Entries != 50 {
		t.Errorf("counts = %+v after resume, want no gaps or duplicates", counts)
	}
}

func TestEngine_RunFull_BlockedByConcurrentRun(t *testing.T) {
	src := newFakeSource(5, time.Now())
	eng, s := testEngine(t, src, nil, Options{})
	ctx := context.Background()

	if err := s.AcquireRunLock(ctx, store.ModeFull, "other-process", time.Hour); err != nil {
		t.Fatalf("AcquireRunLock() failed: %v", err)
	}

	rep, err := eng.RunFull(ctx)
	if !store.IsAlreadyRunning(err) {
		t.Errorf("RunFull() = %v, want already-running", err)
	}
	if rep.State != StateAborted {
		t.Errorf("State = %s, want aborted", rep.State)
	}
	if len(src.fetchAfters) != 0 {
		t.Error("a blocked run must not touch the vendor")
	}
}

func TestEngine_RunFull_SkipsMalformedRaces(t *testing.T) {
	src := newFakeSource(5, time.Now())
	src.races[2].RaceID = "2024XXXX050103" // non-digit month and day
	eng, s := testEngine(t, src, nil, Options{})
	ctx := context.Background()

	rep, err := eng.RunFull(ctx)
	if err != nil {
		t.Fatalf("RunFull() failed: %v", err)
	}
	if rep.State != StateCompleted {
		t.Errorf("State = %s, want completed", rep.State)
	}
	if rep.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", rep.Skipped)
	}

	counts, err := s.VerifyCounts(ctx)
	if err != nil {
		t.Fatalf("VerifyCounts() failed: %v", err)
	}
	if counts.Races != 4 {
		t.Errorf("races = %d, want 4 (malformed one dropped)", counts.Races)
	}
}

func TestEngine_RunFull_AbortsWhenPageFailureRateExceedsThreshold(t *testing.T) {
	src := newFakeSource(2, time.Now())
	// Flood one race with results for starters that do not exist. They
	// pass conversion but fail the entry foreign key on commit.
	id := raceID(0)
	for h := 11; h <= 18; h++ {
		src.results[id] = append(src.results[id], source.ResultRow{
			RaceID:    id,
			HorseNo:   fmt.Sprintf("%02d", h),
			FinishPos: "01",
		})
	}
	eng, s := testEngine(t, src, nil, Options{MaxFailureRate: 0.1})
	ctx := context.Background()

	rep, err := eng.RunFull(ctx)
	if err == nil {
		t.Fatal("RunFull() should fail when a page exceeds the failure threshold")
	}
	if !errors.Is(err, store.ErrPageFailed) {
		t.Errorf("error = %v, want page-failed cause", err)
	}
	if rep.State != StateAborted {
		t.Errorf("State = %s, want aborted", rep.State)
	}
	if rep.Failed != 8 {
		t.Errorf("Failed = %d, want 8", rep.Failed)
	}

	// The whole page rolled back.
	counts, err := s.VerifyCounts(ctx)
	if err != nil {
		t.Fatalf("VerifyCounts() failed: %v", err)
	}
	if counts.Races != 0 {
		t.Errorf("races = %d after rollback, want 0", counts.Races)
	}
}

func TestEngine_RunFull_InvalidatesTouchedRaces(t *testing.T) {
	src := newFakeSource(3, time.Now())
	inv := &fakeInvalidator{}
	eng, _ := testEngine(t, src, inv, Options{})

	if _, err := eng.RunFull(context.Background()); err != nil {
		t.Fatalf("RunFull() failed: %v", err)
	}
	if len(inv.raceIDs) != 3 {
		t.Fatalf("invalidated %d races, want 3", len(inv.raceIDs))
	}
	for i, id := range inv.raceIDs {
		if id != raceID(i) {
			t.Errorf("invalidated[%d] = %s, want %s", i, id, raceID(i))
		}
	}
}

func TestEngine_RunRecent_AdvancesCursorAfterWholeWindow(t *testing.T) {
	now := time.Now().UTC()
	src := newFakeSource(6, now.Add(-time.Hour))
	// One race was last modified a year ago and must stay outside the
	// window.
	src.races[0].ModifiedAt = now.AddDate(-1, 0, 0)
	eng, s := testEngine(t, src, nil, Options{RecentWindow: 72 * time.Hour})
	ctx := context.Background()

	rep, err := eng.RunRecent(ctx, time.Time{})
	if err != nil {
		t.Fatalf("RunRecent() failed: %v", err)
	}
	if rep.State != StateCompleted {
		t.Errorf("State = %s, want completed", rep.State)
	}

	counts, err := s.VerifyCounts(ctx)
	if err != nil {
		t.Fatalf("VerifyCounts() failed: %v", err)
	}
	if counts.Races != 5 {
		t.Errorf("races = %d, want 5 (stale race excluded)", counts.Races)
	}

	pos, err := s.Cursor(ctx, store.ModeRecent)
	if err != nil {
		t.Fatalf("Cursor() failed: %v", err)
	}
	mark, err := time.Parse(time.RFC3339, pos)
	if err != nil {
		t.Fatalf("cursor %q is not a time: %v", pos, err)
	}
	if mark.Before(now.Add(-time.Minute)) {
		t.Errorf("cursor = %s, want around now", pos)
	}

	// The next run starts at the stored mark and finds nothing new.
	rep, err = eng.RunRecent(ctx, time.Time{})
	if err != nil {
		t.Fatalf("second RunRecent() failed: %v", err)
	}
	if rep.Fetched != 0 {
		t.Errorf("second run fetched %d rows, want 0", rep.Fetched)
	}
}

func TestEngine_RunRecent_KeepsCursorOnAbort(t *testing.T) {
	src := newFakeSource(6, time.Now().Add(-time.Hour))
	first := ""
	src.failAfter = &first
	eng, s := testEngine(t, src, nil, Options{})
	ctx := context.Background()

	rep, err := eng.RunRecent(ctx, time.Time{})
	if err == nil {
		t.Fatal("RunRecent() should fail when the fetch dies")
	}
	if rep.State != StateAborted {
		t.Errorf("State = %s, want aborted", rep.State)
	}

	pos, err := s.Cursor(ctx, store.ModeRecent)
	if err != nil {
		t.Fatalf("Cursor() failed: %v", err)
	}
	if pos != "" {
		t.Errorf("cursor = %q after abort, want empty (window re-read next run)", pos)
	}
}

func TestEngine_RunRecent_ExplicitSince(t *testing.T) {
	now := time.Now().UTC()
	src := newFakeSource(4, now.Add(-48*time.Hour))
	eng, _ := testEngine(t, src, nil, Options{})

	// A since after the modifications excludes everything.
	rep, err := eng.RunRecent(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RunRecent() failed: %v", err)
	}
	if rep.Fetched != 0 {
		t.Errorf("Fetched = %d with late since, want 0", rep.Fetched)
	}

	rep, err = eng.RunRecent(context.Background(), now.Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("RunRecent() failed: %v", err)
	}
	if rep.Committed != 4*5 {
		t.Errorf("Committed = %d with early since, want %d", rep.Committed, 4*5)
	}
}

func TestEngine_RunFull_CanceledContext(t *testing.T) {
	src := newFakeSource(5, time.Now())
	eng, _ := testEngine(t, src, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := eng.RunFull(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RunFull() = %v, want context.Canceled", err)
	}
	if rep.State != StateAborted {
		t.Errorf("State = %s, want aborted", rep.State)
	}
}

func TestEngine_Verify(t *testing.T) {
	src := newFakeSource(7, time.Now())
	eng, _ := testEngine(t, src, nil, Options{})
	ctx := context.Background()

	// Before any sync the local store is empty.
	v, err := eng.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if v.SourceRaces != 7 || v.LocalRaces != 0 || v.Missing() != 7 {
		t.Errorf("verify = %+v, want 7 missing", v)
	}

	if _, err := eng.RunFull(ctx); err != nil {
		t.Fatalf("RunFull() failed: %v", err)
	}
	v, err = eng.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if v.Missing() != 0 || v.LocalEntries != 14 {
		t.Errorf("verify = %+v after sync, want no drift", v)
	}
}

func TestReport_Summary(t *testing.T) {
	rep := &Report{
		Mode: store.ModeFull, State: StateCompleted,
		Pages: 3, Fetched: 125, Committed: 120, Skipped: 5,
		Duration: 1500 * time.Millisecond,
	}
	s := rep.Summary()
	for _, want := range []string{"full sync completed", "3 pages", "120 committed", "5 skipped"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summary() = %q, missing %q", s, want)
		}
	}
}
