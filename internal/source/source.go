// Package source provides access to the external vendor racing database:
// connection management with enforced timeouts, retry with backoff for its
// notoriously flaky link, and paged record fetching.
//
// The vendor exposes JRA-VAN shaped tables over a plain MySQL wire. All row
// values arrive as flat, zero-padded strings; interpretation happens
// downstream in the sync engine. This package never writes to the vendor.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/keibalab/keibasync/internal/racekey"
)

// Source fetches raw vendor records in bounded pages.
//
// Implementations must be safe for sequential reuse across pages but are not
// required to be goroutine-safe: the sync engine drives a source from a
// single worker.
//
// Paging is keyset-based: each call returns up to limit races strictly after
// the given key in race-key order, so an interrupted run can resume from the
// last committed key without re-reading earlier pages.
type Source interface {
	// FetchRaces returns up to limit races with keys strictly after the
	// given key, in ascending race-key order. A zero key starts from the
	// beginning. A short (or empty) result means the dataset is exhausted.
	FetchRaces(ctx context.Context, after racekey.Key, limit int) ([]RaceRow, error)

	// FetchRacesModifiedSince is the recent-mode variant: only races whose
	// vendor-side modification timestamp falls within [since, until) are
	// returned, again paged by key.
	FetchRacesModifiedSince(ctx context.Context, since, until time.Time, after racekey.Key, limit int) ([]RaceRow, error)

	// FetchEntries returns all starters for one race.
	FetchEntries(ctx context.Context, raceID string) ([]EntryRow, error)

	// FetchResults returns finish outcomes for one race. An empty slice is
	// normal for races that have not been run yet.
	FetchResults(ctx context.Context, raceID string) ([]ResultRow, error)

	// CountRaces returns the total number of races on the vendor side,
	// used by the verify command to compare against the local store.
	CountRaces(ctx context.Context) (int, error)

	// Close releases the underlying connection resources.
	Close() error
}

// RaceRow is one race as the vendor serves it: untyped, zero-padded strings.
type RaceRow struct {
	RaceID     string // 14-character race key
	Name       string
	Grade      string // "A"=G1 .. vendor grade codes
	Track      string // vendor track code (turf/dirt/jump)
	Distance   string // meters, e.g. "2400"
	Going      string // going (track condition) code
	Weather    string // weather code
	EntryCount string
	ModifiedAt time.Time // vendor-side last modification
}

// Validate checks the fields the sync engine cannot work without.
func (r *RaceRow) Validate() error {
	if r.RaceID == "" {
		return fmt.Errorf("race id is required")
	}
	if len(r.RaceID) != racekey.KeyLen {
		return fmt.Errorf("race id must be %d characters (got %d)", racekey.KeyLen, len(r.RaceID))
	}
	return nil
}

// EntryRow is one starter in one race.
type EntryRow struct {
	RaceID        string
	HorseNo       string // "01".."18"
	HorseID       string // blood registration number
	HorseName     string
	JockeyID      string
	JockeyName    string
	TrainerID     string
	TrainerName   string
	Draw          string // barrier draw
	WeightCarried string // tenths of kg, e.g. "570" = 57.0
	HorseWeight   string // kg, "0" when not announced
	WinOdds       string // tenths, "0" before odds open
	Popularity    string
}

// Validate checks the fields the sync engine cannot work without.
func (e *EntryRow) Validate() error {
	if e.RaceID == "" {
		return fmt.Errorf("race id is required")
	}
	if e.HorseNo == "" {
		return fmt.Errorf("horse number is required")
	}
	if e.HorseID == "" {
		return fmt.Errorf("horse id is required")
	}
	return nil
}

// ResultRow is the finish outcome for one starter. Vendor corrections
// (inquiry reversals, late disqualifications) arrive as a full replacement
// row, never as a partial patch.
type ResultRow struct {
	RaceID     string
	HorseNo    string
	FinishPos  string // "00" = did not finish
	FinishTime string // tenths of seconds, e.g. "1456" = 2:25.6
	Last3F     string // tenths, closing 600m
	Margin     string // vendor margin code
	PrizeMoney string // yen
}

// Validate checks the fields the sync engine cannot work without.
func (r *ResultRow) Validate() error {
	if r.RaceID == "" {
		return fmt.Errorf("race id is required")
	}
	if r.HorseNo == "" {
		return fmt.Errorf("horse number is required")
	}
	return nil
}
