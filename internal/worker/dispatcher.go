// Package worker runs broadcasts: the trigger turns due campaigns and scheduled drafts
// into dispatches, and the dispatcher executes each one's pacing plan against the gateway.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/wablast/internal/events"
	"github.com/foxzi/wablast/internal/gateway"
	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/metrics"
	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/ratelimit"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/storage"
)

// Sender delivers one message to one target
type Sender interface {
	Send(ctx context.Context, req *gateway.SendRequest) (*gateway.SendResponse, error)
}

// Config holds dispatcher configuration
type Config struct {
	// Workers bounds how many broadcasts are dispatched at once.
	Workers int
	// MaxPerMinute caps sends per device regardless of plan; 0 disables the guard.
	MaxPerMinute int
	// SendTimeout bounds one gateway call.
	SendTimeout time.Duration
	// ThrottleRetries is how often a throttled target is retried before it counts as failed.
	ThrottleRetries int
	// FeedbackWindow is how many recent sends per device adaptive pacing looks at.
	FeedbackWindow int
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		MaxPerMinute:    30,
		SendTimeout:     30 * time.Second,
		ThrottleRetries: 3,
		FeedbackWindow:  100,
	}
}

// Dispatcher executes broadcasts. Each broadcast runs on its own goroutine; a semaphore
// limits how many of them send at the same time.
type Dispatcher struct {
	store    storage.Store
	sender   Sender
	sched    *scheduler.Scheduler
	quota    *ratelimit.Limiter
	bus      events.Bus
	feedback *FeedbackTracker
	cfg      Config
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	sem     chan struct{}
	mu      sync.Mutex
	running map[string]struct{}
	burst   map[string]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. quota may be nil; a nil bus drops events.
func NewDispatcher(store storage.Store, sender Sender, sched *scheduler.Scheduler, quota *ratelimit.Limiter, bus events.Bus, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ThrottleRetries < 0 {
		cfg.ThrottleRetries = 0
	}
	if bus == nil {
		bus = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		store:    store,
		sender:   sender,
		sched:    sched,
		quota:    quota,
		bus:      bus,
		feedback: NewFeedbackTracker(cfg.FeedbackWindow),
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
		sleep:    sleepCtx,
		sem:      make(chan struct{}, cfg.Workers),
		running:  make(map[string]struct{}),
		burst:    make(map[string]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Feedback returns the per-device delivery tracker
func (d *Dispatcher) Feedback() *FeedbackTracker { return d.feedback }

// Start resumes broadcasts left in processing by a previous run. They continue from
// their checkpoint.
func (d *Dispatcher) Start(ctx context.Context) error {
	list, err := d.store.ListBroadcasts(ctx, models.BroadcastFilter{Status: models.StatusProcessing})
	if err != nil {
		return fmt.Errorf("list processing broadcasts: %w", err)
	}
	for _, b := range list {
		d.logger.Info("resuming broadcast", "broadcast_id", b.ID, "attempted", b.Attempted(), "targets", len(b.Targets))
		d.spawn(b.ID)
	}
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "resumed", len(list))
	return nil
}

// Stop interrupts every run between sends and waits for them. Interrupted broadcasts
// stay in processing and resume on the next Start.
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher...")
	d.cancel()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Send starts a draft broadcast and dispatches it in the background.
func (d *Dispatcher) Send(ctx context.Context, id string) (*models.Broadcast, error) {
	return d.claim(ctx, id, models.StatusDraft, nil)
}

// Retry restarts a failed broadcast from its first target.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*models.Broadcast, error) {
	b, err := d.claim(ctx, id, models.StatusFailed, nil)
	if err != nil {
		return nil, err
	}
	if b.CampaignID != "" {
		d.updateCampaign(ctx, b.CampaignID, func(c *models.RecurringCampaign) {
			d.sched.Reopen(c, d.now())
		})
	}
	return b, nil
}

// Cancel stops a processing broadcast. The send in progress, if any, is not interrupted.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*models.Broadcast, error) {
	var tr lifecycle.Transition
	b, err := d.store.MutateBroadcast(ctx, id, func(b *models.Broadcast) error {
		var err error
		tr, err = lifecycle.Cancel(b, d.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	d.publishTransition(tr)
	d.settle(ctx, b, false)
	return b, nil
}

// claim plans the broadcast, moves it into processing and spawns its run. plan overrides
// planning when the caller already computed one.
func (d *Dispatcher) claim(ctx context.Context, id string, from models.BroadcastStatus, plan *pacing.Plan) (*models.Broadcast, error) {
	b, err := d.store.GetBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != from {
		return nil, fmt.Errorf("%w: broadcast %s is %s", lifecycle.ErrInvalidTransition, id, b.Status)
	}
	if plan == nil {
		policy := b.Policy()
		policy.Feedback = d.feedback.Feedback(b.DeviceID)
		p, err := d.sched.Planner().Plan(len(b.Targets), policy)
		if err != nil {
			return nil, fmt.Errorf("plan broadcast %s: %w", id, err)
		}
		plan = &p
	}

	b, tr, err := d.store.ClaimBroadcast(ctx, id, from, *plan, d.now())
	if err != nil {
		return nil, err
	}
	metrics.IncPlans(string(plan.DelayType), string(plan.Risk))
	if plan.Risk == pacing.RiskHigh {
		d.logger.Warn("high-risk pacing", "broadcast_id", id, "targets", len(b.Targets), "plan", plan.String())
	}
	d.publishTransition(tr)
	d.spawn(id)
	return b, nil
}

func (d *Dispatcher) spawn(id string) {
	d.mu.Lock()
	if _, ok := d.running[id]; ok {
		d.mu.Unlock()
		return
	}
	d.running[id] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.running, id)
			d.mu.Unlock()
		}()

		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.sem }()

		metrics.DispatchStarted()
		defer metrics.DispatchFinished()
		d.run(d.ctx, id)
	}()
}

// Running reports how many broadcasts have a live run, waiting or sending.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func (d *Dispatcher) run(ctx context.Context, id string) {
	logger := d.logger.With("broadcast_id", id)

	b, err := d.store.GetBroadcast(ctx, id)
	if err != nil {
		logger.Error("failed to load broadcast", "error", err)
		return
	}
	if b.Plan == nil {
		d.fail(ctx, b, "no pacing plan locked")
		return
	}
	plan := *b.Plan
	logger.Info("dispatch started", "targets", len(b.Targets), "from", b.Attempted(), "plan", plan.String(),
		"estimate", plan.Estimate(len(b.Targets)-b.Attempted()))

	for b.Attempted() < len(b.Targets) {
		i := b.Attempted()
		if err := d.sleep(ctx, plan.WaitBefore(i, nil)); err != nil {
			return
		}

		// cancellation is observed between sends only
		cur, err := d.store.GetBroadcast(ctx, id)
		if err != nil {
			logger.Error("failed to reload broadcast", "error", err)
			return
		}
		if cur.Status != models.StatusProcessing {
			logger.Info("dispatch stopped", "status", cur.Status, "sent", cur.SentCount, "failed", cur.FailedCount)
			return
		}
		b = cur
		target := b.Targets[i]

		var sendErr error
		quotaErr := d.acquire(ctx, b.DeviceID, target)
		switch {
		case errors.Is(quotaErr, errRecipientQuota):
			sendErr = quotaErr
			logger.Info("recipient quota reached, target failed", "target", target, "error", quotaErr)
		case quotaErr != nil:
			return
		default:
			sendErr = d.send(ctx, b, target)
		}
		if ctx.Err() != nil {
			// not recorded: the target is sent again on resume
			return
		}
		if errors.Is(sendErr, gateway.ErrFatal) {
			logger.Error("dispatch aborted", "target", target, "error", sendErr)
			d.fail(ctx, b, sendErr.Error())
			return
		}

		ok := sendErr == nil
		b, err = d.store.MutateBroadcast(ctx, id, func(b *models.Broadcast) error {
			if _, err := lifecycle.RecordAttempt(b, ok, d.now()); err != nil {
				return err
			}
			if !ok {
				b.LastError = sendErr.Error()
			}
			return nil
		})
		if err != nil {
			// cancelled while the send was in flight
			logger.Info("dispatch stopped", "error", err)
			return
		}

		if quotaErr == nil {
			d.feedback.Record(b.DeviceID, ok)
		}
		if ok {
			metrics.IncMessagesSent(b.DeviceID)
		} else {
			metrics.IncMessagesFailed(b.DeviceID)
			logger.Debug("target failed", "target", target, "error", sendErr)
		}
		d.bus.Publish(events.Event{Type: events.TypeBroadcastProgress, Time: d.now(), Data: events.Progress{
			BroadcastID: id,
			Sent:        b.SentCount,
			Failed:      b.FailedCount,
			Total:       len(b.Targets),
		}})
	}

	var tr lifecycle.Transition
	b, err = d.store.MutateBroadcast(ctx, id, func(b *models.Broadcast) error {
		var err error
		tr, err = lifecycle.Complete(b, d.now())
		return err
	})
	if err != nil {
		logger.Info("broadcast not completed", "error", err)
		return
	}
	logger.Info("dispatch completed", "sent", b.SentCount, "failed", b.FailedCount)
	d.publishTransition(tr)
	d.settle(ctx, b, true)
}

// errRecipientQuota marks a target whose own quota is spent. The target fails instead of
// holding up the rest of the broadcast.
var errRecipientQuota = errors.New("recipient quota reached")

// acquire waits for the per-device burst guard and the persistent quotas. Device and
// global denials pause until the window frees up; a recipient denial returns
// errRecipientQuota.
func (d *Dispatcher) acquire(ctx context.Context, device, target string) error {
	if l := d.burstLimiter(device); l != nil {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	if d.quota == nil {
		return nil
	}
	for {
		res := d.quota.Allow(ctx, ratelimit.Request{DeviceID: device, Target: target})
		if res.Allowed {
			return nil
		}
		metrics.IncRateLimitExceeded(string(res.DeniedBy))
		if res.DeniedBy == ratelimit.LevelRecipient {
			return fmt.Errorf("%w: %s, retry after %s", errRecipientQuota, res.DeniedKey, res.RetryAfter)
		}
		wait := max(res.RetryAfter, time.Second)
		d.logger.Info("quota reached, pausing", "device", device, "level", res.DeniedBy, "key", res.DeniedKey, "retry_after", wait)
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) burstLimiter(device string) *rate.Limiter {
	if d.cfg.MaxPerMinute <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.burst[device]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(d.cfg.MaxPerMinute)), 1)
		d.burst[device] = l
	}
	return l
}

// send delivers one message. Throttled sends are retried after the gateway's
// Retry-After; the returned error is nil on success.
func (d *Dispatcher) send(ctx context.Context, b *models.Broadcast, target string) error {
	req := &gateway.SendRequest{
		DeviceID: b.DeviceID,
		To:       target,
		Message:  b.Message,
		MediaURL: b.MediaURL,
	}
	for attempt := 0; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		_, err := d.sender.Send(sendCtx, req)
		cancel()
		if err == nil || ctx.Err() != nil || !errors.Is(err, gateway.ErrThrottled) || attempt >= d.cfg.ThrottleRetries {
			return err
		}
		wait := gateway.RetryAfter(err)
		if wait <= 0 {
			wait = 5 * time.Second
		}
		d.logger.Debug("gateway throttled", "broadcast_id", b.ID, "retry_after", wait, "attempt", attempt+1)
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, b *models.Broadcast, reason string) {
	var tr lifecycle.Transition
	failed, err := d.store.MutateBroadcast(ctx, b.ID, func(b *models.Broadcast) error {
		var err error
		tr, err = lifecycle.Fail(b, reason, d.now())
		return err
	})
	if err != nil {
		d.logger.Error("failed to mark broadcast failed", "broadcast_id", b.ID, "error", err)
		return
	}
	d.publishTransition(tr)
	d.settle(ctx, failed, false)
}

// settle records the outcome of a campaign-produced broadcast on its campaign.
func (d *Dispatcher) settle(ctx context.Context, b *models.Broadcast, ok bool) {
	if b.CampaignID == "" {
		return
	}
	d.updateCampaign(ctx, b.CampaignID, func(c *models.RecurringCampaign) {
		d.sched.RecordOutcome(c, ok, d.now())
	})
}

func (d *Dispatcher) updateCampaign(ctx context.Context, id string, fn func(*models.RecurringCampaign)) {
	_, err := d.store.MutateCampaign(ctx, id, func(c *models.RecurringCampaign) error {
		fn(c)
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		d.logger.Debug("campaign gone, outcome dropped", "campaign_id", id)
	case err != nil:
		d.logger.Error("failed to update campaign", "campaign_id", id, "error", err)
	}
}

func (d *Dispatcher) publishTransition(tr lifecycle.Transition) {
	d.bus.Publish(events.Event{Type: events.TypeBroadcastTransition, Time: tr.At, Data: tr})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
