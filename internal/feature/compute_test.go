package feature

import (
	"context"
	"testing"
	"time"

	"github.com/keibalab/keibasync/internal/racekey"
	"github.com/keibalab/keibasync/internal/store"
)

const (
	pastRaceID   = "20241110050811" // same venue and distance as the target race
	targetRaceID = "20241222050411"
)

// seedHistory writes one finished race and one upcoming race sharing a horse
// and jockey, so every built-in feature has something to chew on.
func seedHistory(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()

	for _, id := range []string{pastRaceID, targetRaceID} {
		k := racekey.MustParse(id)
		race := store.RaceRecord{
			Key:        k,
			RaceDate:   k.Year + "-" + k.MonthDay[:2] + "-" + k.MonthDay[2:],
			Name:       "テストレース",
			Track:      "turf",
			DistanceM:  2500,
			Going:      "good",
			EntryCount: 16,
		}
		if err := s.UpsertRace(ctx, &race); err != nil {
			t.Fatalf("UpsertRace(%s) failed: %v", id, err)
		}
		entry := store.EntryRecord{
			Key:        k,
			HorseNo:    7,
			HorseID:    "2019104567",
			HorseName:  "テストホース",
			JockeyID:   "01088",
			JockeyName: "C.ルメール",
			Draw:       4,
		}
		if err := s.UpsertEntry(ctx, &entry); err != nil {
			t.Fatalf("UpsertEntry(%s) failed: %v", id, err)
		}
	}

	result := store.ResultRecord{
		Key:              racekey.MustParse(pastRaceID),
		HorseNo:          7,
		FinishPos:        1,
		FinishTimeTenths: 1556,
	}
	if err := s.UpsertResult(ctx, &result); err != nil {
		t.Fatalf("UpsertResult() failed: %v", err)
	}
}

func TestComputer_PastPerformance(t *testing.T) {
	_, s := testCache(t)
	seedHistory(t, s)
	comp := NewComputer(s.DB())

	p, err := comp.PastPerformance(context.Background(), targetRaceID, targetRaceID+"-07")
	if err != nil {
		t.Fatalf("PastPerformance() failed: %v", err)
	}
	pp, err := p.AsPastPerformance()
	if err != nil {
		t.Fatalf("AsPastPerformance() failed: %v", err)
	}
	if pp.Starts != 1 || pp.Wins != 1 || pp.LastFinishPos != 1 {
		t.Errorf("record = %+v, want 1 start and 1 win", pp)
	}
	if pp.WinRate != 1.0 {
		t.Errorf("WinRate = %v, want 1.0", pp.WinRate)
	}
	if pp.BestTimeTenths != 1556 {
		t.Errorf("BestTimeTenths = %d, want 1556", pp.BestTimeTenths)
	}
	if pp.DaysSinceLastRun != 42 {
		t.Errorf("DaysSinceLastRun = %d, want 42", pp.DaysSinceLastRun)
	}
}

func TestComputer_PastPerformance_Debutant(t *testing.T) {
	_, s := testCache(t)
	seedHistory(t, s)
	comp := NewComputer(s.DB())
	ctx := context.Background()

	// A horse with no prior results gets an all-zero record, not an error.
	k := racekey.MustParse(targetRaceID)
	entry := store.EntryRecord{Key: k, HorseNo: 12, HorseID: "2022100001", HorseName: "新馬"}
	if err := s.UpsertEntry(ctx, &entry); err != nil {
		t.Fatalf("UpsertEntry() failed: %v", err)
	}

	p, err := comp.PastPerformance(ctx, targetRaceID, targetRaceID+"-12")
	if err != nil {
		t.Fatalf("PastPerformance() failed: %v", err)
	}
	pp, err := p.AsPastPerformance()
	if err != nil {
		t.Fatalf("AsPastPerformance() failed: %v", err)
	}
	if pp.Starts != 0 || pp.WinRate != 0 {
		t.Errorf("debutant record = %+v, want zeros", pp)
	}
}

func TestComputer_JockeyStats(t *testing.T) {
	_, s := testCache(t)
	seedHistory(t, s)
	comp := NewComputer(s.DB())

	p, err := comp.JockeyStats(context.Background(), targetRaceID, targetRaceID+"-07")
	if err != nil {
		t.Fatalf("JockeyStats() failed: %v", err)
	}
	js, err := p.AsJockeyStats()
	if err != nil {
		t.Fatalf("AsJockeyStats() failed: %v", err)
	}
	if js.Rides != 1 || js.Wins != 1 {
		t.Errorf("stats = %+v, want 1 ride and 1 win", js)
	}
	if js.VenueWinRate != 1.0 {
		t.Errorf("VenueWinRate = %v, want 1.0 (prior win at same venue)", js.VenueWinRate)
	}
}

func TestComputer_RaceCondition(t *testing.T) {
	_, s := testCache(t)
	seedHistory(t, s)
	comp := NewComputer(s.DB())

	p, err := comp.RaceCondition(context.Background(), targetRaceID, targetRaceID+"-07")
	if err != nil {
		t.Fatalf("RaceCondition() failed: %v", err)
	}
	rc, err := p.AsRaceCondition()
	if err != nil {
		t.Fatalf("AsRaceCondition() failed: %v", err)
	}
	if rc.Track != "turf" || rc.DistanceM != 2500 || rc.Going != "good" {
		t.Errorf("condition = %+v, want turf/2500/good", rc)
	}
	if rc.FieldSize != 16 || rc.Draw != 4 {
		t.Errorf("condition = %+v, want field 16 draw 4", rc)
	}
	// Draw 4 won its only start at this venue and distance.
	if rc.DrawBias != 16.0 {
		t.Errorf("DrawBias = %v, want 16.0", rc.DrawBias)
	}
}

func TestComputer_UnknownEntity(t *testing.T) {
	_, s := testCache(t)
	seedHistory(t, s)
	comp := NewComputer(s.DB())

	if _, err := comp.PastPerformance(context.Background(), targetRaceID, targetRaceID+"-99"); err == nil {
		t.Error("PastPerformance() for unknown entity should fail")
	}
	if _, err := comp.PastPerformance(context.Background(), targetRaceID, "20990101010101-07"); err == nil {
		t.Error("PastPerformance() for mismatched entity should fail")
	}
}

func TestComputer_EndToEndWarm(t *testing.T) {
	c, s := testCache(t)
	seedHistory(t, s)
	comp := NewComputer(s.DB())

	w := NewWarmer(c, 2, discardLogger())
	comp.RegisterAll(w, 24*time.Hour)

	stats, err := w.WarmRace(context.Background(), targetRaceID, []string{targetRaceID + "-07"})
	if err != nil {
		t.Fatalf("WarmRace() failed: %v", err)
	}
	if stats.Computed != 3 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want all 3 types computed", stats)
	}
	if _, err := c.Get(context.Background(), targetRaceID, targetRaceID+"-07", TypeJockeyStats); err != nil {
		t.Errorf("Get() after warm failed: %v", err)
	}
}
