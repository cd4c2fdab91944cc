package feature

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// ComputeFunc produces one feature payload for one entity in one race.
type ComputeFunc func(ctx context.Context, raceID, entityID string) (Payload, error)

// registration binds a feature type to its computation and TTL.
type registration struct {
	compute ComputeFunc
	ttl     time.Duration
}

// Warmer precomputes features into the cache with a bounded worker pool.
//
// Each registered feature type is computed for each entity of a race. Fresh
// entries are skipped so re-warming a race is cheap. Individual failures are
// counted and logged; they never abort the rest of the batch.
type Warmer struct {
	cache   *Cache
	workers int
	logger  *log.Logger

	mu    sync.Mutex
	types map[string]registration
}

// NewWarmer creates a warmer running at most workers computations at once.
// A workers value below 1 is treated as 1.
func NewWarmer(cache *Cache, workers int, logger *log.Logger) *Warmer {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[features] ", log.LstdFlags)
	}
	return &Warmer{
		cache:   cache,
		workers: workers,
		logger:  logger,
		types:   make(map[string]registration),
	}
}

// Register adds a feature type. Warming computes fn for every entity and
// stores the result with ttl (NoExpiry for entries that never age out).
// Registering the same type again replaces the previous registration.
func (w *Warmer) Register(featureType string, fn ComputeFunc, ttl time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.types[featureType] = registration{compute: fn, ttl: ttl}
}

// Stats summarizes one warming batch.
type Stats struct {
	Computed     int
	SkippedFresh int
	Failed       int
}

// job is one (entity, feature type) computation.
type job struct {
	entityID    string
	featureType string
	reg         registration
}

// WarmRace computes every registered feature type for every entity of one
// race. Returns batch statistics and the first context error, if any; other
// failures only increment Stats.Failed.
func (w *Warmer) WarmRace(ctx context.Context, raceID string, entityIDs []string) (Stats, error) {
	w.mu.Lock()
	regs := make(map[string]registration, len(w.types))
	for t, r := range w.types {
		regs[t] = r
	}
	w.mu.Unlock()

	if len(regs) == 0 {
		return Stats{}, fmt.Errorf("no feature types registered")
	}

	jobs := make(chan job)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		stats Stats
	)
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				outcome := w.warmOne(ctx, raceID, j)
				mu.Lock()
				switch outcome {
				case warmComputed:
					stats.Computed++
				case warmSkipped:
					stats.SkippedFresh++
				default:
					stats.Failed++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, entityID := range entityIDs {
		for featureType, reg := range regs {
			select {
			case jobs <- job{entityID: entityID, featureType: featureType, reg: reg}:
			case <-ctx.Done():
				break feed
			}
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("warming %s interrupted: %w", raceID, err)
	}
	w.logger.Printf("warmed race %s: %d computed, %d fresh, %d failed",
		raceID, stats.Computed, stats.SkippedFresh, stats.Failed)
	return stats, nil
}

type warmOutcome int

const (
	warmComputed warmOutcome = iota
	warmSkipped
	warmFailed
)

func (w *Warmer) warmOne(ctx context.Context, raceID string, j job) warmOutcome {
	// A valid entry means someone already did this work.
	if _, err := w.cache.Get(ctx, raceID, j.entityID, j.featureType); err == nil {
		return warmSkipped
	} else if !IsMiss(err) {
		w.logger.Printf("warm %s/%s/%s: cache read failed: %v", raceID, j.entityID, j.featureType, err)
		return warmFailed
	}

	p, err := j.reg.compute(ctx, raceID, j.entityID)
	if err != nil {
		w.logger.Printf("warm %s/%s/%s: compute failed: %v", raceID, j.entityID, j.featureType, err)
		return warmFailed
	}
	if err := w.cache.Put(ctx, raceID, j.entityID, j.featureType, p, j.reg.ttl); err != nil {
		w.logger.Printf("warm %s/%s/%s: store failed: %v", raceID, j.entityID, j.featureType, err)
		return warmFailed
	}
	return warmComputed
}
