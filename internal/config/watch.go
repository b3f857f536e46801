package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher reloads the configuration file when it changes on disk. Only files that
// parse and validate are handed to the callback; unchanged content is skipped.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)

	mu       sync.Mutex
	lastHash uint64
	timer    *time.Timer
}

// NewWatcher creates a watcher for path. current is the configuration already in use.
func NewWatcher(path string, current *Config, logger *slog.Logger, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger.With("component", "config"),
		onChange: onChange,
		lastHash: hashConfig(current),
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// reload parses the file and reports whether the callback ran.
func (w *Watcher) reload() bool {
	cfg, err := parse(w.path)
	if err != nil {
		w.logger.Warn("config parse failed", "path", w.path, "error", err)
		return false
	}

	h := hashConfig(cfg)
	w.mu.Lock()
	unchanged := h != 0 && h == w.lastHash
	w.mu.Unlock()
	if unchanged {
		w.logger.Debug("config unchanged, skipping reload", "path", w.path)
		return false
	}

	if err := cfg.Validate(); err != nil {
		w.logger.Warn("config rejected", "path", w.path, "error", err)
		return false
	}

	w.mu.Lock()
	w.lastHash = h
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
	return true
}

func (w *Watcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, func() { w.reload() })
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Run watches the directory holding the file until ctx is done. A broken watcher is
// recreated with a jittered backoff.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stopTimer()

	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	backoff := restartBackoffBase

	wait := func() bool {
		d := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("config watch init failed", "dir", dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			w.logger.Warn("config watch add failed", "dir", dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		w.logger.Debug("config watcher started", "dir", dir, "file", file)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				// editors often replace the file, so match by name in the directory
				if filepath.Base(ev.Name) == file && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					w.debounce()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					w.logger.Warn("config watch overflow, forcing reload", "error", err)
					w.debounce()
					continue
				}
				w.logger.Warn("config watch error", "error", err)
			}
		}

		fw.Close()
		w.logger.Warn("config watcher stopped, restarting", "dir", dir)
		if !wait() {
			return nil
		}
	}
}
