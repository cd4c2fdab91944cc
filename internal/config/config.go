// Package config loads keibasync settings from a YAML file with
// environment-variable overrides.
//
// Lookup order: an explicit --config path, then keibasync.yaml in the
// working directory, then $HOME/.config/keibasync/. Every key can be
// overridden through KEIBASYNC_* variables, with dots replaced by
// underscores (KEIBASYNC_SOURCE_PASSWORD, KEIBASYNC_STORE_PATH, ...), so
// credentials never need to live in the file.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full settings tree.
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Store    StoreConfig    `mapstructure:"store"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Features FeaturesConfig `mapstructure:"features"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Log      LogConfig      `mapstructure:"log"`
}

// SourceConfig points at the vendor database.
type SourceConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// StoreConfig points at the local cache database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig tunes sync runs.
type SyncConfig struct {
	PageSize       int           `mapstructure:"page_size"`
	PageTimeout    time.Duration `mapstructure:"page_timeout"`
	MaxFailureRate float64       `mapstructure:"max_failure_rate"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	RecentWindow   time.Duration `mapstructure:"recent_window"`
}

// FeaturesConfig tunes the feature cache and warmer.
type FeaturesConfig struct {
	Workers    int                      `mapstructure:"workers"`
	DefaultTTL time.Duration            `mapstructure:"default_ttl"`
	TTL        map[string]time.Duration `mapstructure:"ttl"`
	GCKeep     time.Duration            `mapstructure:"gc_keep"`
}

// TTLFor returns the TTL for one feature type, falling back to the default.
func (f *FeaturesConfig) TTLFor(featureType string) time.Duration {
	if ttl, ok := f.TTL[featureType]; ok {
		return ttl
	}
	return f.DefaultTTL
}

// ScheduleConfig tunes the schedule daemon.
type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

// File binds one viper instance to one config file, so the daemon can
// reload from the same place it loaded.
type File struct {
	v *viper.Viper
}

// New prepares a loader. path may be empty to use the search path.
func New(path string) *File {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("keibasync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "keibasync"))
		}
	}

	v.SetEnvPrefix("KEIBASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return &File{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.host", "127.0.0.1")
	v.SetDefault("source.port", 3306)
	v.SetDefault("source.user", "mykeiba")
	// Empty defaults keep env-only keys visible to Unmarshal.
	v.SetDefault("source.password", "")
	v.SetDefault("source.database", "mykeibadb")
	v.SetDefault("source.connect_timeout", 10*time.Second)
	v.SetDefault("source.command_timeout", 60*time.Second)

	v.SetDefault("store.path", defaultStorePath())

	v.SetDefault("sync.page_size", 500)
	v.SetDefault("sync.page_timeout", 2*time.Minute)
	v.SetDefault("sync.max_failure_rate", 0.1)
	v.SetDefault("sync.lease_ttl", 5*time.Minute)
	v.SetDefault("sync.recent_window", 72*time.Hour)

	v.SetDefault("features.workers", 4)
	v.SetDefault("features.default_ttl", 24*time.Hour)
	v.SetDefault("features.gc_keep", 7*24*time.Hour)

	v.SetDefault("schedule.interval", 15*time.Minute)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.verbose", false)
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "keibasync.db"
	}
	return filepath.Join(home, ".local", "share", "keibasync", "keibasync.db")
}

// Load reads the file (if present) and environment into a Config. A
// missing file is fine: defaults plus environment make a usable config.
func (f *File) Load() (*Config, error) {
	if err := f.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := f.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads on every config file change and hands the result to fn.
// Unparseable edits are logged and skipped; the previous config stays in
// effect.
func (f *File) Watch(logger *log.Logger, fn func(*Config)) {
	f.v.OnConfigChange(func(e fsnotify.Event) {
		logger.Printf("config changed: %s", e.Name)
		cfg, err := f.Load()
		if err != nil {
			logger.Printf("ignoring bad config edit: %v", err)
			return
		}
		fn(cfg)
	})
	f.v.WatchConfig()
}

// Used returns the path of the file actually read, or empty when running
// on defaults.
func (f *File) Used() string {
	return f.v.ConfigFileUsed()
}

// Settings returns the effective settings tree with secrets masked,
// suitable for rendering back to the operator.
func (f *File) Settings() map[string]any {
	m := f.v.AllSettings()
	if src, ok := m["source"].(map[string]any); ok {
		if pw, ok := src["password"].(string); ok && pw != "" {
			src["password"] = "********"
		}
	}
	return m
}

// Validate rejects configs the subsystems cannot start with.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Sync.PageSize < 1 {
		return fmt.Errorf("sync.page_size must be positive (got %d)", c.Sync.PageSize)
	}
	if c.Sync.MaxFailureRate < 0 || c.Sync.MaxFailureRate > 1 {
		return fmt.Errorf("sync.max_failure_rate must be in [0, 1] (got %g)", c.Sync.MaxFailureRate)
	}
	if c.Features.Workers < 1 {
		return fmt.Errorf("features.workers must be positive (got %d)", c.Features.Workers)
	}
	if c.Schedule.Interval < time.Minute {
		return fmt.Errorf("schedule.interval must be at least 1m (got %s)", c.Schedule.Interval)
	}
	return nil
}

// Redacted returns a copy safe for printing: the vendor password is
// masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.Source.Password != "" {
		out.Source.Password = "********"
	}
	return out
}
