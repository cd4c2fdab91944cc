package feature

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"testing"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func countingCompute(calls *atomic.Int64, kind string) ComputeFunc {
	return func(ctx context.Context, raceID, entityID string) (Payload, error) {
		calls.Add(1)
		return NewPayload(kind, map[string]string{"entity": entityID})
	}
}

func TestWarmer_WarmRace_ComputesAllPairs(t *testing.T) {
	c, _ := testCache(t)
	w := NewWarmer(c, 4, discardLogger())

	var ppCalls, jsCalls atomic.Int64
	w.Register(TypePastPerformance, countingCompute(&ppCalls, TypePastPerformance), NoExpiry)
	w.Register(TypeJockeyStats, countingCompute(&jsCalls, TypeJockeyStats), NoExpiry)

	entities := []string{testRaceID + "-01", testRaceID + "-02", testRaceID + "-03"}
	stats, err := w.WarmRace(context.Background(), testRaceID, entities)
	if err != nil {
		t.Fatalf("WarmRace() failed: %v", err)
	}
	if stats.Computed != 6 || stats.SkippedFresh != 0 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 6 computed", stats)
	}
	if ppCalls.Load() != 3 || jsCalls.Load() != 3 {
		t.Errorf("compute calls = %d/%d, want 3/3", ppCalls.Load(), jsCalls.Load())
	}

	// Everything is now fresh; a second pass recomputes nothing.
	stats, err = w.WarmRace(context.Background(), testRaceID, entities)
	if err != nil {
		t.Fatalf("second WarmRace() failed: %v", err)
	}
	if stats.SkippedFresh != 6 || stats.Computed != 0 {
		t.Errorf("second pass stats = %+v, want 6 fresh", stats)
	}
	if ppCalls.Load() != 3 {
		t.Errorf("second pass recomputed: %d calls", ppCalls.Load())
	}
}

func TestWarmer_FailuresDoNotAbortBatch(t *testing.T) {
	c, _ := testCache(t)
	w := NewWarmer(c, 2, discardLogger())

	var okCalls atomic.Int64
	w.Register(TypePastPerformance, countingCompute(&okCalls, TypePastPerformance), NoExpiry)
	w.Register(TypeJockeyStats, func(ctx context.Context, raceID, entityID string) (Payload, error) {
		return Payload{}, errors.New("no rides on record")
	}, NoExpiry)

	entities := []string{testRaceID + "-01", testRaceID + "-02"}
	stats, err := w.WarmRace(context.Background(), testRaceID, entities)
	if err != nil {
		t.Fatalf("WarmRace() failed: %v", err)
	}
	if stats.Computed != 2 || stats.Failed != 2 {
		t.Errorf("stats = %+v, want 2 computed and 2 failed", stats)
	}

	// The healthy type is cached despite its sibling's failures.
	if _, err := c.Get(context.Background(), testRaceID, testRaceID+"-01", TypePastPerformance); err != nil {
		t.Errorf("Get() after partial warm failed: %v", err)
	}
}

func TestWarmer_ExpiredEntriesAreRecomputed(t *testing.T) {
	c, _ := testCache(t)
	w := NewWarmer(c, 1, discardLogger())

	var calls atomic.Int64
	w.Register(TypePastPerformance, countingCompute(&calls, TypePastPerformance), 0)

	entities := []string{testRaceID + "-01"}
	for i := 0; i < 2; i++ {
		if _, err := w.WarmRace(context.Background(), testRaceID, entities); err != nil {
			t.Fatalf("WarmRace() %d failed: %v", i, err)
		}
	}
	// Zero TTL entries expire instantly, so both passes compute.
	if calls.Load() != 2 {
		t.Errorf("compute calls = %d, want 2", calls.Load())
	}
}

func TestWarmer_NoTypesRegistered(t *testing.T) {
	c, _ := testCache(t)
	w := NewWarmer(c, 2, discardLogger())

	if _, err := w.WarmRace(context.Background(), testRaceID, []string{testRaceID + "-01"}); err == nil {
		t.Error("WarmRace() with no registered types should fail")
	}
}

func TestWarmer_ContextCancellation(t *testing.T) {
	c, _ := testCache(t)
	w := NewWarmer(c, 1, discardLogger())
	w.Register(TypePastPerformance, func(ctx context.Context, raceID, entityID string) (Payload, error) {
		return NewPayload(TypePastPerformance, PastPerformance{})
	}, NoExpiry)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var entities []string
	for i := 1; i <= 50; i++ {
		entities = append(entities, fmt.Sprintf("%s-%02d", testRaceID, i))
	}
	if _, err := w.WarmRace(ctx, testRaceID, entities); !errors.Is(err, context.Canceled) {
		t.Errorf("WarmRace() with canceled context = %v, want context.Canceled", err)
	}
}
