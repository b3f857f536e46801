package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/wablast/internal/config"
	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/ratelimit"
	"github.com/foxzi/wablast/internal/recurrence"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/storage"
	"github.com/foxzi/wablast/internal/tz"
)

func TestBuildPlan(t *testing.T) {
	planner, err := pacing.NewPlanner(nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		targets int
		policy  pacing.Policy
		wantErr bool
	}{
		{"auto", 300, pacing.Policy{Type: pacing.DelayAuto}, false},
		{"manual", 120, pacing.Policy{Type: pacing.DelayManual, DelaySeconds: 8, BatchSize: 20, PauseBetweenBatches: 120}, false},
		{"manual below floor", 120, pacing.Policy{Type: pacing.DelayManual, DelaySeconds: 3}, true},
		{"no targets", 0, pacing.Policy{Type: pacing.DelayAuto}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := buildPlan(planner, tt.targets, tt.policy)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildPlan() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && plan.DelaySeconds <= 0 {
				t.Errorf("plan = %+v, want a positive delay", plan)
			}
		})
	}
}

func TestBuildPlanFloorError(t *testing.T) {
	planner, _ := pacing.NewPlanner(nil)
	_, err := buildPlan(planner, 120, pacing.Policy{Type: pacing.DelayManual, DelaySeconds: 3})
	var fe *pacing.FloorError
	if !errors.As(err, &fe) {
		t.Errorf("error = %v, want *FloorError", err)
	}
}

func TestPrintPlan(t *testing.T) {
	plan := pacing.Plan{DelayType: pacing.DelayManual, DelaySeconds: 10, BatchSize: 2, PauseSeconds: 60, Risk: pacing.RiskSafe}

	var buf bytes.Buffer
	printPlan(&buf, plan, 5, 3)
	out := buf.String()

	for _, want := range []string{"Batches:", "3", "Estimate:", "2m40s", "Risk:", "safe"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	// first message immediately, then 10s, then the batch boundary at index 2
	for _, want := range []string{"1  0s", "2  10s", "3  1m10s"} {
		if !strings.Contains(out, want) {
			t.Errorf("waits missing %q:\n%s", want, out)
		}
	}
}

func TestLoadCampaignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.yaml")
	data := `id: weekly-promo
frequency: weekly
days_of_week: [1, 3]
time_of_day: "09:00"
timezone: Asia/Jakarta
start_date: "2026-03-02"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := loadCampaignFile(path)
	if err != nil {
		t.Fatalf("loadCampaignFile() error = %v", err)
	}
	if !c.IsActive || c.TimeOfDay != (tz.Clock{Hour: 9}) {
		t.Errorf("campaign = %+v", c)
	}

	ref := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	fires, err := recurrence.Preview(c, ref, 3)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := printFires(&buf, c, fires); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	// 09:00 WIB is 02:00 UTC
	want := []string{"Mon 2026-03-02 09:00 WIB", "Wed 2026-03-04 09:00 WIB", "Mon 2026-03-09 09:00 WIB"}
	for i, w := range want {
		if !strings.HasPrefix(lines[i], w) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], w)
		}
	}
	if !strings.Contains(lines[0], "2026-03-02T02:00:00Z") {
		t.Errorf("line 0 = %q, want UTC instant", lines[0])
	}
}

func TestLoadCampaignFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.yaml")
	os.WriteFile(path, []byte("frequency: weekly\ntime_of_day: \"09:00\"\ntimezone: UTC\nstart_date: \"2026-03-02\"\n"), 0644)

	if _, err := loadCampaignFile(path); err == nil {
		t.Error("weekly campaign without days should be rejected")
	}
	if _, err := loadCampaignFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestDescribeSchedule(t *testing.T) {
	tests := []struct {
		c    models.RecurringCampaign
		want string
	}{
		{models.RecurringCampaign{Frequency: models.FrequencyDaily, TimeOfDay: tz.Clock{Hour: 9}, Timezone: "UTC"}, "daily 09:00 UTC"},
		{models.RecurringCampaign{Frequency: models.FrequencyCustom, IntervalValue: 3, TimeOfDay: tz.Clock{Hour: 9}, Timezone: "UTC"}, "every 3 days 09:00 UTC"},
		{models.RecurringCampaign{Frequency: models.FrequencyWeekly, DaysOfWeek: []int{1, 5}, TimeOfDay: tz.Clock{Hour: 18, Minute: 30}, Timezone: "UTC"}, "weekly Mon,Fri 18:30 UTC"},
		{models.RecurringCampaign{Frequency: models.FrequencyMonthly, IntervalValue: 2, DayOfMonth: 31, TimeOfDay: tz.Clock{Hour: 8}, Timezone: "UTC"}, "every 2 months on day 31 08:00 UTC"},
	}

	for _, tt := range tests {
		if got := describeSchedule(&tt.c); got != tt.want {
			t.Errorf("describeSchedule() = %q, want %q", got, tt.want)
		}
	}
}

func TestPrintRateLimits(t *testing.T) {
	var buf bytes.Buffer
	printRateLimits(&buf, config.RateLimitConfig{})
	if !strings.Contains(buf.String(), "disabled") {
		t.Errorf("output = %s", buf.String())
	}

	buf.Reset()
	printRateLimits(&buf, config.RateLimitConfig{
		Enabled: true,
		Config: ratelimit.Config{
			Global:        &ratelimit.LimitConfig{MessagesPerHour: 2000},
			DefaultDevice: &ratelimit.LimitConfig{MessagesPerHour: 200, MessagesPerDay: 1000},
			Devices: map[string]*ratelimit.LimitConfig{
				"dev-b": {MessagesPerDay: 50},
				"dev-a": {MessagesPerDay: 10},
			},
		},
	})
	out := buf.String()
	for _, want := range []string{"Global", "unlimited", "Per Device", "1000", "Per Recipient"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "dev-a") > strings.Index(out, "dev-b") {
		t.Errorf("device overrides not sorted:\n%s", out)
	}
}

func newTestStore(t *testing.T) (*storage.BoltStorage, *scheduler.Scheduler) {
	t.Helper()
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	planner, err := pacing.NewPlanner(nil)
	if err != nil {
		t.Fatal(err)
	}
	return store, scheduler.New(planner, 0)
}

func TestCancelAndRetryBroadcast(t *testing.T) {
	store, sched := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	c := &models.RecurringCampaign{ID: "camp-1", DeviceID: "dev-1", InFlight: 1, IsActive: true}
	if err := store.CreateCampaign(ctx, c); err != nil {
		t.Fatal(err)
	}
	b := &models.Broadcast{
		ID:         "b-1",
		DeviceID:   "dev-1",
		CampaignID: "camp-1",
		Message:    "hi",
		Targets:    []string{"+6281000001", "+6281000002"},
		Status:     models.StatusProcessing,
	}
	if err := store.CreateBroadcast(ctx, b); err != nil {
		t.Fatal(err)
	}

	got, err := cancelBroadcast(ctx, store, sched, "b-1", now)
	if err != nil {
		t.Fatalf("cancelBroadcast() error = %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	c, _ = store.GetCampaign(ctx, "camp-1")
	if c.TotalFailed != 1 || c.InFlight != 0 {
		t.Errorf("campaign counters failed=%d in_flight=%d", c.TotalFailed, c.InFlight)
	}

	// cancelled broadcasts cannot be retried
	if _, err := retryBroadcast(ctx, store, sched, "b-1", now); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("retryBroadcast(cancelled) error = %v, want ErrInvalidTransition", err)
	}

	// mark it failed by hand and retry
	_, err = store.MutateBroadcast(ctx, "b-1", func(b *models.Broadcast) error {
		b.Status = models.StatusFailed
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err = retryBroadcast(ctx, store, sched, "b-1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("retryBroadcast() error = %v", err)
	}
	if got.Status != models.StatusProcessing || got.Plan == nil {
		t.Errorf("retried broadcast = %s plan %v", got.Status, got.Plan)
	}
	c, _ = store.GetCampaign(ctx, "camp-1")
	if c.TotalFailed != 0 || c.InFlight != 1 {
		t.Errorf("after retry failed=%d in_flight=%d", c.TotalFailed, c.InFlight)
	}
}

func TestCancelBroadcastNotProcessing(t *testing.T) {
	store, sched := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateBroadcast(ctx, &models.Broadcast{ID: "b-1", DeviceID: "d", Message: "m", Targets: []string{"+1"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := cancelBroadcast(ctx, store, sched, "b-1", time.Now()); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("cancel draft error = %v, want ErrInvalidTransition", err)
	}
	if _, err := cancelBroadcast(ctx, store, sched, "missing", time.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cancel missing error = %v, want ErrNotFound", err)
	}
}
