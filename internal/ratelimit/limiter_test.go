package ratelimit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, db *bolt.DB, cfg *Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	l, err := newLimiter(db, cfg, clock.Now)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l, clock
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	l, err := NewLimiter(setupTestDB(t), nil)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer l.Stop()

	if l.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", l.config.FlushInterval)
	}
	if !l.Allow(context.Background(), Request{DeviceID: "d1"}).Allowed {
		t.Error("limiter without quotas should allow everything")
	}
}

func TestAllowDeviceLimit(t *testing.T) {
	l, clock := newTestLimiter(t, setupTestDB(t), &Config{
		DefaultDevice: &LimitConfig{MessagesPerHour: 3},
		FlushInterval: time.Hour,
	})
	ctx := context.Background()

	for i := range 3 {
		if res := l.Allow(ctx, Request{DeviceID: "d1", Target: "+1"}); !res.Allowed {
			t.Fatalf("message %d denied: %+v", i, res)
		}
	}
	res := l.Allow(ctx, Request{DeviceID: "d1", Target: "+2"})
	if res.Allowed || res.DeniedBy != LevelDevice {
		t.Fatalf("4th message = %+v, want denied by device", res)
	}
	if res.RetryAfter != time.Hour {
		t.Errorf("RetryAfter = %v, want 1h", res.RetryAfter)
	}

	// other devices have their own quota
	if !l.Allow(ctx, Request{DeviceID: "d2"}).Allowed {
		t.Error("d2 should not share d1's quota")
	}

	clock.Advance(45 * time.Minute)
	if res := l.Check(ctx, Request{DeviceID: "d1"}); res.Allowed || res.RetryAfter != 15*time.Minute {
		t.Errorf("Check() after 45m = %+v, want denied for 15m", res)
	}
	clock.Advance(15 * time.Minute)
	if !l.Allow(ctx, Request{DeviceID: "d1"}).Allowed {
		t.Error("hour window should have reset")
	}
}

func TestDeviceOverride(t *testing.T) {
	l, _ := newTestLimiter(t, setupTestDB(t), &Config{
		DefaultDevice: &LimitConfig{MessagesPerHour: 1},
		Devices:       map[string]*LimitConfig{"vip": {MessagesPerHour: 5}},
	})
	ctx := context.Background()

	for i := range 5 {
		if !l.Allow(ctx, Request{DeviceID: "vip"}).Allowed {
			t.Fatalf("vip message %d denied", i)
		}
	}
	if l.Allow(ctx, Request{DeviceID: "vip"}).Allowed {
		t.Error("vip 6th message should be denied")
	}
	l.Allow(ctx, Request{DeviceID: "plain"})
	if l.Allow(ctx, Request{DeviceID: "plain"}).Allowed {
		t.Error("default device quota of 1 not applied")
	}
}

func TestAllowLevels(t *testing.T) {
	tests := []struct {
		name  string
		cfg   *Config
		reqs  []Request
		level Level
	}{
		{
			name:  "global",
			cfg:   &Config{Global: &LimitConfig{MessagesPerDay: 2}},
			reqs:  []Request{{DeviceID: "a"}, {DeviceID: "b"}, {DeviceID: "c"}},
			level: LevelGlobal,
		},
		{
			name:  "recipient",
			cfg:   &Config{DefaultRecipient: &LimitConfig{MessagesPerDay: 1}},
			reqs:  []Request{{DeviceID: "a", Target: "+1"}, {DeviceID: "b", Target: "+1"}},
			level: LevelRecipient,
		},
		{
			name: "device before recipient",
			cfg: &Config{
				DefaultDevice:    &LimitConfig{MessagesPerHour: 1},
				DefaultRecipient: &LimitConfig{MessagesPerHour: 1},
			},
			reqs:  []Request{{DeviceID: "a", Target: "+1"}, {DeviceID: "a", Target: "+1"}},
			level: LevelDevice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLimiter(t, setupTestDB(t), tt.cfg)
			var last Result
			for _, req := range tt.reqs {
				last = l.Allow(context.Background(), req)
			}
			if last.Allowed || last.DeniedBy != tt.level {
				t.Errorf("last result = %+v, want denied by %s", last, tt.level)
			}
		})
	}
}

func TestDeniedDoesNotCount(t *testing.T) {
	l, _ := newTestLimiter(t, setupTestDB(t), &Config{
		Global:        &LimitConfig{MessagesPerHour: 10},
		DefaultDevice: &LimitConfig{MessagesPerHour: 1},
	})
	ctx := context.Background()
	l.Allow(ctx, Request{DeviceID: "a"})
	for range 5 {
		l.Allow(ctx, Request{DeviceID: "a"})
	}
	if got := l.GetStats(LevelGlobal, "global").HourlyCount; got != 1 {
		t.Errorf("global HourlyCount = %d, want 1", got)
	}
}

func TestDailyWindow(t *testing.T) {
	l, clock := newTestLimiter(t, setupTestDB(t), &Config{DefaultDevice: &LimitConfig{MessagesPerDay: 2}})
	ctx := context.Background()
	l.Allow(ctx, Request{DeviceID: "a"})
	clock.Advance(2 * time.Hour)
	l.Allow(ctx, Request{DeviceID: "a"})

	res := l.Allow(ctx, Request{DeviceID: "a"})
	if res.Allowed || res.RetryAfter != 22*time.Hour {
		t.Errorf("Allow() = %+v, want denied for 22h", res)
	}
	clock.Advance(22 * time.Hour)
	if !l.Allow(ctx, Request{DeviceID: "a"}).Allowed {
		t.Error("day window should have reset")
	}
}

func TestPersistence(t *testing.T) {
	db := setupTestDB(t)
	cfg := &Config{DefaultDevice: &LimitConfig{MessagesPerHour: 2}, FlushInterval: time.Hour}

	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	first, err := newLimiter(db, cfg, clock.Now)
	if err != nil {
		t.Fatal(err)
	}
	first.Allow(context.Background(), Request{DeviceID: "a"})
	first.Allow(context.Background(), Request{DeviceID: "a"})
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	second, err := newLimiter(db, cfg, clock.Now)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Stop()
	if second.Allow(context.Background(), Request{DeviceID: "a"}).Allowed {
		t.Error("quota should survive a restart")
	}
	if got := second.GetStats(LevelDevice, "a"); got.HourlyCount != 2 {
		t.Errorf("restored HourlyCount = %d, want 2", got.HourlyCount)
	}
}

func TestGetStatsUnknownKey(t *testing.T) {
	l, _ := newTestLimiter(t, setupTestDB(t), nil)
	stats := l.GetStats(LevelDevice, "missing")
	if stats.HourlyCount != 0 || stats.Level != LevelDevice || stats.Key != "missing" {
		t.Errorf("GetStats() = %+v", stats)
	}
}
