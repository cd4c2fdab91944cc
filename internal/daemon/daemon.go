// Package daemon provides the schedule daemon that keeps the local store
// fresh without operator attention.
//
// The daemon:
// 1. Runs a recent sync on a fixed interval
// 2. Periodically garbage-collects expired feature cache rows
// 3. Applies config reloads to the schedule without restarting
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/keibalab/keibasync/internal/store"
	syncer "github.com/keibalab/keibasync/internal/sync"
)

// Runner executes one recent sync pass. Satisfied by *sync.Engine.
type Runner interface {
	RunRecent(ctx context.Context, since time.Time) (*syncer.Report, error)
}

// Collector garbage-collects expired feature rows. Satisfied by
// *feature.Cache. May be nil when no feature cache is attached.
type Collector interface {
	GC(ctx context.Context, keep time.Duration) (int64, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often a recent sync runs.
	Interval time.Duration

	// GCInterval is how often expired feature rows are collected.
	GCInterval time.Duration

	// GCKeep is how long expired feature rows stay inspectable before
	// collection.
	GCKeep time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:   15 * time.Minute,
		GCInterval: 6 * time.Hour,
		GCKeep:     7 * 24 * time.Hour,
		Logger:     log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules recent syncs and feature cache maintenance.
type Daemon struct {
	runner    Runner
	collector Collector
	config    *Config

	intervalMu sync.Mutex
	interval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. collector may be nil to skip cache maintenance.
func New(runner Runner, collector Collector, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", config.Interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		runner:    runner,
		collector: collector,
		config:    config,
		interval:  config.Interval,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// An initial recent sync runs immediately, then one per interval. This
// blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("starting schedule daemon (interval %s)", d.Interval())

	d.runOnce(ctx)

	d.wg.Add(1)
	go d.syncLoop()
	if d.collector != nil {
		d.wg.Add(1)
		go d.gcLoop()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon, waiting for an in-flight sync to
// finish its page.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("stopping daemon")
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("daemon stopped")
	return nil
}

// Interval returns the current schedule interval.
func (d *Daemon) Interval() time.Duration {
	d.intervalMu.Lock()
	defer d.intervalMu.Unlock()
	return d.interval
}

// SetInterval changes the schedule without a restart. The new interval
// takes effect after the current tick.
func (d *Daemon) SetInterval(interval time.Duration) {
	if interval <= 0 {
		d.config.Logger.Printf("ignoring non-positive interval %s", interval)
		return
	}
	d.intervalMu.Lock()
	changed := d.interval != interval
	d.interval = interval
	d.intervalMu.Unlock()
	if changed {
		d.config.Logger.Printf("schedule interval now %s", interval)
	}
}

// syncLoop runs a recent sync every interval. The timer is re-armed each
// pass so SetInterval applies without restarting the loop.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	timer := time.NewTimer(d.Interval())
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
			d.runOnce(d.ctx)
			timer.Reset(d.Interval())
		}
	}
}

// runOnce performs one recent sync pass. A sync already running in another
// process is normal and only logged; real failures are logged and retried
// on the next tick.
func (d *Daemon) runOnce(ctx context.Context) {
	rep, err := d.runner.RunRecent(ctx, time.Time{})
	switch {
	case err == nil:
		d.config.Logger.Print(rep.Summary())
	case store.IsAlreadyRunning(err):
		d.config.Logger.Printf("skipping tick: %v", err)
	case ctx.Err() != nil:
		// Shutdown mid-run; Stop handles the rest.
	default:
		d.config.Logger.Printf("recent sync failed: %v", err)
	}
}

// gcLoop periodically collects long-expired feature cache rows.
func (d *Daemon) gcLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			n, err := d.collector.GC(d.ctx, d.config.GCKeep)
			if err != nil {
				d.config.Logger.Printf("feature cache GC failed: %v", err)
				continue
			}
			if n > 0 {
				d.config.Logger.Printf("feature cache GC removed %d rows", n)
			}
		}
	}
}
