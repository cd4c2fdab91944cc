package store

import (
	"fmt"
	"time"

	"github.com/keibalab/keibasync/internal/racekey"
)

// RaceRecord is a denormalized snapshot of one race, converted from vendor
// strings to typed fields. All columns derive purely from the record; an
// upsert applied twice is identical to applying it once.
type RaceRecord struct {
	Key              racekey.Key
	RaceDate         string // YYYY-MM-DD, derived from key year + month-day
	Name             string
	Grade            string
	Track            string
	DistanceM        int
	Going            string
	Weather          string
	EntryCount       int
	SourceModifiedAt *time.Time
}

// Validate checks the record before persisting.
func (r *RaceRecord) Validate() error {
	if r.Key.IsZero() {
		return fmt.Errorf("race key is required")
	}
	if r.RaceDate == "" {
		return fmt.Errorf("race date is required")
	}
	return nil
}

// EntryRecord is one starter on a race card.
type EntryRecord struct {
	Key           racekey.Key
	HorseNo       int
	HorseID       string
	HorseName     string
	JockeyID      string
	JockeyName    string
	TrainerID     string
	TrainerName   string
	Draw          int
	WeightCarried float64 // kg
	HorseWeight   int     // kg, 0 when not announced
	WinOdds       float64
	Popularity    int
}

// Validate checks the record before persisting.
func (e *EntryRecord) Validate() error {
	if e.Key.IsZero() {
		return fmt.Errorf("race key is required")
	}
	if e.HorseNo < 1 {
		return fmt.Errorf("horse number must be positive (got %d)", e.HorseNo)
	}
	if e.HorseID == "" {
		return fmt.Errorf("horse id is required")
	}
	return nil
}

// EntityID returns the starter's composite identifier used by the feature
// cache.
func (e *EntryRecord) EntityID() string {
	return e.Key.EntryID(e.HorseNo)
}

// ResultRecord is the finish outcome for one starter. Vendor corrections
// replace the whole row through the same upsert path as the first write.
type ResultRecord struct {
	Key              racekey.Key
	HorseNo          int
	FinishPos        int // 0 = did not finish
	FinishTimeTenths int
	Last3FTenths     int
	Margin           string
	PrizeMoney       int
}

// Validate checks the record before persisting.
func (r *ResultRecord) Validate() error {
	if r.Key.IsZero() {
		return fmt.Errorf("race key is required")
	}
	if r.HorseNo < 1 {
		return fmt.Errorf("horse number must be positive (got %d)", r.HorseNo)
	}
	return nil
}
