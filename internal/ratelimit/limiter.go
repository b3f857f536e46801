// Package ratelimit enforces hourly and daily send quotas per device, per recipient and
// overall. Counters live in memory and are flushed to BoltDB periodically, so quotas
// survive restarts.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Level is the scope a quota applies to
type Level string

const (
	LevelGlobal    Level = "global"
	LevelDevice    Level = "device"
	LevelRecipient Level = "recipient"
)

// Config contains rate limit configuration
type Config struct {
	Global *LimitConfig `yaml:"global,omitempty"`

	// Default quota for every WhatsApp device
	DefaultDevice *LimitConfig `yaml:"default_device,omitempty"`

	// Per-device overrides, keyed by device ID
	Devices map[string]*LimitConfig `yaml:"devices,omitempty"`

	// Quota per recipient number across all devices
	DefaultRecipient *LimitConfig `yaml:"default_recipient,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains rate limit values. Zero disables a window.
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter tracks one key's windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Request identifies one outgoing message
type Request struct {
	DeviceID string
	Target   string
}

// Result contains the rate limit decision
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains the counters of one key
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter implements multi-level quotas
type Limiter struct {
	db       *bolt.DB
	config   *Config
	now      func() time.Time
	counters map[string]*Counter
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a limiter and starts its flush loop
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	return newLimiter(db, cfg, time.Now)
}

func newLimiter(db *bolt.DB, cfg *Config, now func() time.Time) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		now:      now,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
	}
	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()
	return l, nil
}

// Allow reports whether req fits every applicable quota and, if so, counts it
func (l *Limiter) Allow(ctx context.Context, req Request) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.checks(req)

	for _, check := range checks {
		counter := l.counter(check.key, now)
		resetExpired(counter, now)
		if res, denied := evaluate(check, counter.HourlyCount, counter.DailyCount, counter, now); denied {
			return res
		}
	}

	for _, check := range checks {
		counter := l.counters[check.key]
		counter.HourlyCount++
		counter.DailyCount++
	}
	return Result{Allowed: true}
}

// Check is Allow without counting
func (l *Limiter) Check(ctx context.Context, req Request) Result {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	for _, check := range l.checks(req) {
		counter, ok := l.counters[check.key]
		if !ok {
			continue
		}
		hourly, daily := counter.HourlyCount, counter.DailyCount
		if now.Sub(counter.HourStart) >= time.Hour {
			hourly = 0
		}
		if now.Sub(counter.DayStart) >= 24*time.Hour {
			daily = 0
		}
		if res, denied := evaluate(check, hourly, daily, counter, now); denied {
			return res
		}
	}
	return Result{Allowed: true}
}

func evaluate(check limitCheck, hourly, daily int, counter *Counter, now time.Time) (Result, bool) {
	denied := Result{DeniedBy: check.level, DeniedKey: check.key}
	if check.limit.MessagesPerHour > 0 && hourly >= check.limit.MessagesPerHour {
		denied.RetryAfter = counter.HourStart.Add(time.Hour).Sub(now)
		return denied, true
	}
	if check.limit.MessagesPerDay > 0 && daily >= check.limit.MessagesPerDay {
		denied.RetryAfter = counter.DayStart.Add(24 * time.Hour).Sub(now)
		return denied, true
	}
	return Result{}, false
}

// GetStats returns the current counters of one key
func (l *Limiter) GetStats(level Level, key string) Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{Level: level, Key: key}
	counter, ok := l.counters[makeKey(level, key)]
	if !ok {
		return stats
	}
	now := l.now()
	stats.HourStart, stats.DayStart = counter.HourStart, counter.DayStart
	if now.Sub(counter.HourStart) < time.Hour {
		stats.HourlyCount = counter.HourlyCount
	}
	if now.Sub(counter.DayStart) < 24*time.Hour {
		stats.DailyCount = counter.DailyCount
	}
	return stats
}

// Stop stops the flush loop and persists counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.persistCounters()
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (l *Limiter) checks(req Request) []limitCheck {
	var checks []limitCheck

	if l.config.Global != nil {
		checks = append(checks, limitCheck{LevelGlobal, makeKey(LevelGlobal, "global"), l.config.Global})
	}
	if req.DeviceID != "" {
		limit := l.config.DefaultDevice
		if override, ok := l.config.Devices[req.DeviceID]; ok {
			limit = override
		}
		if limit != nil {
			checks = append(checks, limitCheck{LevelDevice, makeKey(LevelDevice, req.DeviceID), limit})
		}
	}
	if req.Target != "" && l.config.DefaultRecipient != nil {
		checks = append(checks, limitCheck{LevelRecipient, makeKey(LevelRecipient, req.Target), l.config.DefaultRecipient})
	}
	return checks
}

func (l *Limiter) counter(key string, now time.Time) *Counter {
	counter, ok := l.counters[key]
	if !ok {
		counter = &Counter{HourStart: now, DayStart: now}
		l.counters[key] = counter
	}
	return counter
}

func resetExpired(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		now := l.now()
		for key, counter := range l.counters {
			// a day-old counter carries no quota; drop it instead of flushing it forever
			if now.Sub(counter.DayStart) >= 24*time.Hour {
				if err := bucket.Delete([]byte(key)); err != nil {
					return err
				}
				continue
			}
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
