// keibasync mirrors a vendor horse-racing database into a local SQLite
// cache and maintains derived feature bundles for prediction models.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keibalab/keibasync/internal/config"
	"github.com/keibalab/keibasync/internal/feature"
	"github.com/keibalab/keibasync/internal/logging"
	"github.com/keibalab/keibasync/internal/source"
	"github.com/keibalab/keibasync/internal/store"
	syncer "github.com/keibalab/keibasync/internal/sync"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "keibasync",
	Short: "Vendor racing data sync and feature cache",
	Long: `keibasync keeps a local copy of the vendor racing database and a cache
of derived prediction features.

The local store is a SQLite file; syncs are resumable page by page, so an
interrupted run picks up where it stopped. Recent mode only fetches races
the vendor modified since the last run.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default: keibasync.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr even when a log file is set")
}

// runtime bundles everything an engine-backed command needs.
type runtime struct {
	cfg    *config.Config
	file   *config.File
	store  *store.Store
	src    *source.Client
	cache  *feature.Cache
	logW   io.Writer
	closeW func() error
}

// loadConfig loads config for commands that need nothing else.
func loadConfig() (*config.Config, *config.File, error) {
	f := config.New(cfgPath)
	cfg, err := f.Load()
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Log.Verbose = true
	}
	return cfg, f, nil
}

// openRuntime opens the store and vendor client per the config.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, f, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logW, closeW := logging.Setup(cfg.Log)

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		closeW()
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		closeW()
		return nil, err
	}

	srcCfg := source.DefaultConfig()
	srcCfg.Host = cfg.Source.Host
	srcCfg.Port = cfg.Source.Port
	srcCfg.User = cfg.Source.User
	srcCfg.Password = cfg.Source.Password
	srcCfg.Database = cfg.Source.Database
	if cfg.Source.ConnectTimeout > 0 {
		srcCfg.ConnectTimeout = cfg.Source.ConnectTimeout
	}
	if cfg.Source.CommandTimeout > 0 {
		srcCfg.CommandTimeout = cfg.Source.CommandTimeout
	}
	src := source.NewClient(srcCfg, source.DefaultPolicy(), logging.New(logW, "source"))

	return &runtime{
		cfg:    cfg,
		file:   f,
		store:  s,
		src:    src,
		cache:  feature.NewCache(s.DB()),
		logW:   logW,
		closeW: closeW,
	}, nil
}

func (r *runtime) close() {
	r.src.Close()
	r.store.Close()
	r.closeW()
}

// engine builds a sync engine wired to the feature cache.
func (r *runtime) engine() *syncer.Engine {
	opts := syncer.Options{
		PageSize:       r.cfg.Sync.PageSize,
		PageTimeout:    r.cfg.Sync.PageTimeout,
		MaxFailureRate: r.cfg.Sync.MaxFailureRate,
		LeaseTTL:       r.cfg.Sync.LeaseTTL,
		RecentWindow:   r.cfg.Sync.RecentWindow,
		Logger:         logging.New(r.logW, "sync"),
	}
	return syncer.NewEngine(r.src, r.store, r.cache, opts)
}

// signalContext cancels on SIGINT or SIGTERM so a run stops at the next
// page boundary.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
