package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxzi/wablast/internal/config"
	"github.com/foxzi/wablast/internal/pacing"
)

func loadConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	content := `
storage:
  path: "` + filepath.Join(dir, "wablast.db") + `"
logging:
  level: "info"
  format: "text"
metrics:
  enabled: true
  listen_addr: "127.0.0.1:0"
rate_limit:
  enabled: true
  default_device:
    messages_per_hour: 100
gateway:
  url: "http://127.0.0.1:1"
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg, path
}

func TestNewAndShutdown(t *testing.T) {
	cfg, path := loadConfig(t)

	a, err := New(cfg, path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.rateLimiter == nil || a.collector == nil || a.metricsServer == nil {
		t.Error("enabled components were not created")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewBadStoragePath(t *testing.T) {
	cfg, _ := loadConfig(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Storage.Path = filepath.Join(blocker, "wablast.db")
	if _, err := New(cfg, ""); err == nil {
		t.Error("New() expected error for unusable storage path")
	}
}

func TestApplyConfig(t *testing.T) {
	cfg, path := loadConfig(t)
	a, err := New(cfg, path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	next := *cfg
	next.Logging.Level = "debug"
	next.Pacing = &pacing.Table{
		Tiers: []pacing.Tier{
			{MaxTargets: 100, DelaySeconds: 8, BatchSize: 20, PauseSeconds: 60},
			{MaxTargets: 0, DelaySeconds: 20, BatchSize: 10, PauseSeconds: 600},
		},
	}
	a.applyConfig(&next)

	if got := a.planner.Table(); len(got.Tiers) != 2 || got.Tiers[0].DelaySeconds != 8 {
		t.Errorf("planner table = %+v, want the reloaded tiers", got.Tiers)
	}
	if a.logLevel.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", a.logLevel.Level())
	}

	// a table the planner refuses leaves the active one in place
	bad := next
	bad.Pacing = &pacing.Table{}
	a.applyConfig(&bad)
	if got := a.planner.Table(); len(got.Tiers) != 2 {
		t.Errorf("planner table after rejected reload = %+v", got.Tiers)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
