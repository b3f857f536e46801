package main

import (
	"fmt"
	"time"

	"github.com/foxzi/wablast/internal/config"
	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/storage"
)

// openStorage opens the configured database. The service holds an exclusive lock on it,
// so these commands only work while `wablast serve` is stopped.
func openStorage() (*storage.BoltStorage, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := storage.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage (is wablast serve running?): %w", err)
	}
	return store, cfg, nil
}

func newScheduler(cfg *config.Config) (*scheduler.Scheduler, error) {
	table := cfg.PacingTable()
	planner, err := pacing.NewPlanner(&table)
	if err != nil {
		return nil, fmt.Errorf("invalid pacing table: %w", err)
	}
	return scheduler.New(planner, cfg.Scheduler.Grace), nil
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
