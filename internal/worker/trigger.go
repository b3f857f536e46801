package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/foxzi/wablast/internal/events"
	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/metrics"
	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/storage"
)

// DefaultTriggerSpec polls once a minute.
const DefaultTriggerSpec = "@every 1m"

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec checks a trigger cron expression.
func ValidateSpec(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// Trigger polls campaigns and scheduled drafts on a cron schedule and hands whatever is
// due to the dispatcher.
type Trigger struct {
	store      storage.Store
	sched      *scheduler.Scheduler
	dispatcher *Dispatcher
	bus        events.Bus
	logger     *slog.Logger
	spec       string
	cron       *cron.Cron

	now   func() time.Time
	newID func() string
}

// NewTrigger creates a trigger running on spec, interpreted in loc.
func NewTrigger(store storage.Store, sched *scheduler.Scheduler, dispatcher *Dispatcher, bus events.Bus, spec string, loc *time.Location, logger *slog.Logger) (*Trigger, error) {
	if spec == "" {
		spec = DefaultTriggerSpec
	}
	if loc == nil {
		loc = time.UTC
	}
	if bus == nil {
		bus = events.Nop{}
	}
	t := &Trigger{
		store:      store,
		sched:      sched,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger.With("component", "trigger"),
		spec:       spec,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	cl := cronLogger{t.logger}
	t.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := t.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := t.Tick(ctx); err != nil {
			t.logger.Error("trigger pass failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid trigger spec %q: %w", spec, err)
	}
	return t, nil
}

// Start starts the cron loop
func (t *Trigger) Start() {
	t.cron.Start()
	t.logger.Info("trigger started", "spec", t.spec, "tz", t.cron.Location().String())
}

// Stop stops the cron loop and waits for a running pass
func (t *Trigger) Stop() {
	<-t.cron.Stop().Done()
	t.logger.Info("trigger stopped")
}

// Tick runs one pass: due and missed campaign fires first, then scheduled drafts.
func (t *Trigger) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ObserveTrigger(time.Since(start)) }()

	now := t.now()
	active := true
	campaigns, err := t.store.ListCampaigns(ctx, models.CampaignFilter{Active: &active})
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	for _, c := range campaigns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.evaluate(ctx, c, now); err != nil {
			t.logger.Error("campaign evaluation failed", "campaign_id", c.ID, "error", err)
		}
	}

	drafts, err := t.store.ListBroadcasts(ctx, models.BroadcastFilter{Status: models.StatusDraft})
	if err != nil {
		return fmt.Errorf("list drafts: %w", err)
	}
	for _, b := range drafts {
		if !lifecycle.DueForStart(b, now) {
			continue
		}
		if _, err := t.dispatcher.Send(ctx, b.ID); err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
			t.logger.Error("failed to start scheduled broadcast", "broadcast_id", b.ID, "error", err)
		}
	}
	return nil
}

func (t *Trigger) evaluate(ctx context.Context, c *models.RecurringCampaign, now time.Time) error {
	d, err := t.sched.Evaluate(c, now, t.dispatcher.Feedback().Feedback(c.DeviceID))
	if err != nil {
		return err
	}

	switch {
	case d.Due:
		return t.fire(ctx, c, d, now)
	case d.Skipped:
		next := c.Clone()
		t.sched.Skip(next, d, now)
		if err := t.store.UpdateCampaign(ctx, next); err != nil {
			return ignoreConflict(err)
		}
		t.logger.Warn("missed fire skipped", "campaign_id", c.ID, "fire_at", d.FireAt, "next", d.Next)
		t.bus.Publish(events.Event{Type: events.TypeCampaignSkipped, Time: now, Data: events.CampaignFire{
			CampaignID: c.ID, FireAt: d.FireAt, Next: d.Next,
		}})
	case !sameInstant(c.NextSendAt, d.Next):
		next := c.Clone()
		next.NextSendAt = d.Next
		next.UpdatedAt = now
		return ignoreConflict(t.store.UpdateCampaign(ctx, next))
	}
	return nil
}

// fire claims the fire on the campaign (version check) before creating its broadcast,
// so two triggers never both produce one.
func (t *Trigger) fire(ctx context.Context, c *models.RecurringCampaign, d scheduler.Decision, now time.Time) error {
	next := c.Clone()
	if err := t.sched.MarkFired(next, d.FireAt, now); err != nil {
		return err
	}
	if err := t.store.UpdateCampaign(ctx, next); err != nil {
		return ignoreConflict(err)
	}

	b := scheduler.NewBroadcast(c, d.FireAt, t.newID())
	if err := t.store.CreateBroadcast(ctx, b); err != nil {
		// give the execution back
		t.dispatcher.updateCampaign(ctx, c.ID, func(c *models.RecurringCampaign) {
			t.sched.RecordOutcome(c, false, now)
		})
		return fmt.Errorf("create broadcast: %w", err)
	}
	t.logger.Info("campaign fired", "campaign_id", c.ID, "broadcast_id", b.ID, "fire_at", d.FireAt, "next", next.NextSendAt)
	t.bus.Publish(events.Event{Type: events.TypeCampaignFired, Time: now, Data: events.CampaignFire{
		CampaignID: c.ID, BroadcastID: b.ID, FireAt: d.FireAt, Next: next.NextSendAt,
	}})

	plan := d.Plan
	if _, err := t.dispatcher.claim(ctx, b.ID, models.StatusDraft, &plan); err != nil {
		// the draft is due and is picked up by the next pass
		return fmt.Errorf("start broadcast %s: %w", b.ID, err)
	}
	return nil
}

func ignoreConflict(err error) error {
	if errors.Is(err, storage.ErrVersionConflict) || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
