package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keibasync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	// An explicitly named file must exist; the search path may not.
	if _, err := New(filepath.Join(t.TempDir(), "missing.yaml")).Load(); err == nil {
		t.Fatal("Load() with explicit missing file should fail")
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
source:
  host: db.example.jp
  port: 3307
  user: reader
  database: mykeibadb
  connect_timeout: 7s
store:
  path: /tmp/keiba/cache.db
sync:
  page_size: 250
  max_failure_rate: 0.05
features:
  workers: 8
  default_ttl: 12h
  ttl:
    jockey_stats: 6h
schedule:
  interval: 30m
`)
	cfg, err := New(path).Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Source.Host != "db.example.jp" || cfg.Source.Port != 3307 {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Source.ConnectTimeout != 7*time.Second {
		t.Errorf("ConnectTimeout = %s, want 7s", cfg.Source.ConnectTimeout)
	}
	if cfg.Sync.PageSize != 250 || cfg.Sync.MaxFailureRate != 0.05 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	// Unset keys fall back to defaults.
	if cfg.Sync.PageTimeout != 2*time.Minute {
		t.Errorf("PageTimeout = %s, want default 2m", cfg.Sync.PageTimeout)
	}
	if cfg.Schedule.Interval != 30*time.Minute {
		t.Errorf("Interval = %s, want 30m", cfg.Schedule.Interval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
source:
  host: db.example.jp
`)
	t.Setenv("KEIBASYNC_SOURCE_PASSWORD", "s3cret")
	t.Setenv("KEIBASYNC_SYNC_PAGE_SIZE", "100")

	cfg, err := New(path).Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Source.Password != "s3cret" {
		t.Errorf("Password = %q, want env override", cfg.Source.Password)
	}
	if cfg.Sync.PageSize != 100 {
		t.Errorf("PageSize = %d, want env override 100", cfg.Sync.PageSize)
	}
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero page size", "sync:\n  page_size: 0\n"},
		{"failure rate above one", "sync:\n  max_failure_rate: 1.5\n"},
		{"zero workers", "features:\n  workers: 0\n"},
		{"sub-minute interval", "schedule:\n  interval: 10s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(writeConfig(t, tt.body)).Load(); err == nil {
				t.Error("Load() should reject the config")
			}
		})
	}
}

func TestFeaturesConfig_TTLFor(t *testing.T) {
	f := FeaturesConfig{
		DefaultTTL: 24 * time.Hour,
		TTL:        map[string]time.Duration{"jockey_stats": 6 * time.Hour},
	}
	if got := f.TTLFor("jockey_stats"); got != 6*time.Hour {
		t.Errorf("TTLFor(jockey_stats) = %s, want 6h", got)
	}
	if got := f.TTLFor("past_performance"); got != 24*time.Hour {
		t.Errorf("TTLFor(past_performance) = %s, want default", got)
	}
}

func TestConfig_Redacted(t *testing.T) {
	c := Config{}
	c.Source.Password = "s3cret"
	if got := c.Redacted().Source.Password; got != "********" {
		t.Errorf("Redacted password = %q", got)
	}
	if c.Source.Password != "s3cret" {
		t.Error("Redacted() must not mutate the original")
	}
}
