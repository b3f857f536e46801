package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/wablast/internal/events"
	"github.com/foxzi/wablast/internal/gateway"
	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/ratelimit"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	// fail decides the outcome of call n (0-based) to target to
	fail func(n int, to string) error
	// hook runs before the outcome is decided, outside the lock
	hook func(n int)
}

func (s *fakeSender) Send(ctx context.Context, req *gateway.SendRequest) (*gateway.SendResponse, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, req.To)
	fail := s.fail
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if fail != nil {
		if err := fail(n, req.To); err != nil {
			return nil, err
		}
	}
	return &gateway.SendResponse{ID: fmt.Sprintf("msg-%d", n), Status: "queued"}, nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

type sleeps struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleeps) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.waits)
}

type harness struct {
	store  *storage.BoltStorage
	sched  *scheduler.Scheduler
	bus    events.Bus
	d      *Dispatcher
	sender *fakeSender
	sleeps *sleeps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "wablast.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	planner, err := pacing.NewPlanner(nil)
	if err != nil {
		t.Fatalf("NewPlanner() error = %v", err)
	}
	h := &harness{
		store:  store,
		sched:  scheduler.New(planner, 0),
		bus:    events.NewBus(),
		sender: &fakeSender{},
		sleeps: &sleeps{},
	}
	h.d = NewDispatcher(store, h.sender, h.sched, nil, h.bus, Config{Workers: 2, ThrottleRetries: 3}, discardLogger())
	h.d.sleep = h.sleeps.sleep
	t.Cleanup(h.d.Stop)
	return h
}

func newDraft(id string, targets int) *models.Broadcast {
	b := &models.Broadcast{ID: id, DeviceID: "dev-1", Message: "promo", Status: models.StatusDraft}
	for i := range targets {
		b.Targets = append(b.Targets, fmt.Sprintf("+62811%04d", i))
	}
	b.SetPolicy(pacing.Policy{Type: pacing.DelayManual, DelaySeconds: 1, BatchSize: 2, PauseBetweenBatches: 10})
	return b
}

func (h *harness) create(t *testing.T, b *models.Broadcast) {
	t.Helper()
	if err := h.store.CreateBroadcast(context.Background(), b); err != nil {
		t.Fatalf("CreateBroadcast() error = %v", err)
	}
}

// waitIdle waits until no run is live and returns the stored broadcast.
func (h *harness) waitIdle(t *testing.T, id string) *models.Broadcast {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.d.Running() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher did not go idle")
		}
		time.Sleep(2 * time.Millisecond)
	}
	b, err := h.store.GetBroadcast(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBroadcast() error = %v", err)
	}
	return b
}

func TestDispatchCompletes(t *testing.T) {
	h := newHarness(t)
	ch, unsubscribe := h.bus.Subscribe(64)
	defer unsubscribe()

	b := newDraft("b1", 5)
	h.create(t, b)

	started, err := h.d.Send(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if started.Status != models.StatusProcessing || started.Plan == nil {
		t.Fatalf("Send() = %s plan %v, want processing with a plan", started.Status, started.Plan)
	}

	got := h.waitIdle(t, "b1")
	if got.Status != models.StatusCompleted || got.SentCount != 5 || got.FailedCount != 0 {
		t.Errorf("broadcast = %s %d/%d, want completed 5/0", got.Status, got.SentCount, got.FailedCount)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if !slices.Equal(h.sender.sent(), b.Targets) {
		t.Errorf("sent %v, want targets in order", h.sender.sent())
	}

	// 1s between messages, 10s extra before each new batch of two
	want := []time.Duration{0, time.Second, 11 * time.Second, time.Second, 11 * time.Second}
	if waits := h.sleeps.recorded(); !slices.Equal(waits, want) {
		t.Errorf("waits = %v, want %v", waits, want)
	}

	var transitions []string
	progress := 0
	for len(ch) > 0 {
		e := <-ch
		switch data := e.Data.(type) {
		case lifecycle.Transition:
			transitions = append(transitions, string(data.From)+">"+string(data.To))
		case events.Progress:
			progress++
		}
	}
	if !slices.Equal(transitions, []string{"draft>processing", "processing>completed"}) {
		t.Errorf("transitions = %v", transitions)
	}
	if progress != 5 {
		t.Errorf("progress events = %d, want 5", progress)
	}
}

func TestSendRequiresDraft(t *testing.T) {
	h := newHarness(t)
	h.create(t, newDraft("b1", 1))
	if _, err := h.d.Send(context.Background(), "b1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	h.waitIdle(t, "b1")

	if _, err := h.d.Send(context.Background(), "b1"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("second Send() error = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.d.Send(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Send(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPerTargetFailureContinues(t *testing.T) {
	h := newHarness(t)
	h.sender.fail = func(n int, to string) error {
		if n == 1 {
			return &gateway.APIError{StatusCode: http.StatusUnprocessableEntity, Code: "invalid_number", Message: "bad number"}
		}
		return nil
	}
	h.create(t, newDraft("b1", 4))
	h.d.Send(context.Background(), "b1")

	got := h.waitIdle(t, "b1")
	if got.Status != models.StatusCompleted || got.SentCount != 3 || got.FailedCount != 1 {
		t.Errorf("broadcast = %s %d/%d, want completed 3/1", got.Status, got.SentCount, got.FailedCount)
	}
	if got.LastError == "" {
		t.Error("LastError should describe the failed target")
	}
	if fb := h.d.Feedback().Feedback("dev-1"); fb == nil || fb.Attempts != 4 || fb.Failures != 1 {
		t.Errorf("Feedback() = %+v, want 4 attempts 1 failure", fb)
	}
}

func TestFatalErrorFailsThenRetryResends(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	down := true
	h.sender.fail = func(n int, to string) error {
		mu.Lock()
		defer mu.Unlock()
		if down && n == 2 {
			return &gateway.APIError{StatusCode: http.StatusConflict, Code: gateway.CodeDeviceDisconnected}
		}
		return nil
	}
	h.create(t, newDraft("b1", 4))
	h.d.Send(context.Background(), "b1")

	got := h.waitIdle(t, "b1")
	if got.Status != models.StatusFailed || got.SentCount != 2 || got.FailedCount != 0 {
		t.Fatalf("broadcast = %s %d/%d, want failed 2/0", got.Status, got.SentCount, got.FailedCount)
	}
	if got.LastError == "" {
		t.Error("LastError not set on fatal failure")
	}

	mu.Lock()
	down = false
	mu.Unlock()
	retried, err := h.d.Retry(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retried.SentCount != 0 || retried.LastError != "" {
		t.Errorf("Retry() = %d sent, %q; counters and error should reset", retried.SentCount, retried.LastError)
	}

	got = h.waitIdle(t, "b1")
	if got.Status != models.StatusCompleted || got.SentCount != 4 {
		t.Errorf("after retry = %s %d sent, want completed 4", got.Status, got.SentCount)
	}
	// 3 calls before the failure, then all 4 targets again
	if n := len(h.sender.sent()); n != 7 {
		t.Errorf("gateway calls = %d, want 7", n)
	}
}

func TestThrottledTargetIsRetried(t *testing.T) {
	h := newHarness(t)
	h.sender.fail = func(n int, to string) error {
		if n == 0 {
			return &gateway.APIError{StatusCode: http.StatusTooManyRequests, RetryAfter: 7 * time.Second}
		}
		return nil
	}
	h.create(t, newDraft("b1", 1))
	h.d.Send(context.Background(), "b1")

	got := h.waitIdle(t, "b1")
	if got.SentCount != 1 || got.FailedCount != 0 {
		t.Errorf("broadcast = %d/%d, want throttled target sent on retry", got.SentCount, got.FailedCount)
	}
	if !slices.Contains(h.sleeps.recorded(), 7*time.Second) {
		t.Errorf("waits = %v, want the gateway's Retry-After", h.sleeps.recorded())
	}
}

func TestCancelStopsBetweenSends(t *testing.T) {
	h := newHarness(t)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	h.sender.hook = func(n int) {
		if n == 1 {
			close(inFlight)
			<-release
		}
	}
	h.create(t, newDraft("b1", 5))
	h.d.Send(context.Background(), "b1")

	<-inFlight
	cancelled, err := h.d.Cancel(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Errorf("Cancel() status = %s", cancelled.Status)
	}
	close(release)

	got := h.waitIdle(t, "b1")
	if got.Status != models.StatusCancelled || got.SentCount != 1 {
		t.Errorf("broadcast = %s %d sent, want cancelled with the first send only", got.Status, got.SentCount)
	}
	if n := len(h.sender.sent()); n != 2 {
		t.Errorf("gateway calls = %d, want the in-flight send to finish and nothing after", n)
	}

	if _, err := h.d.Cancel(context.Background(), "b1"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("second Cancel() error = %v", err)
	}
}

func TestStartResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	b := newDraft("b1", 5)
	plan := pacing.Plan{DelayType: pacing.DelayManual, DelaySeconds: 1}
	if _, err := lifecycle.Start(b, plan, time.Now()); err != nil {
		t.Fatal(err)
	}
	b.SentCount, b.FailedCount = 1, 1
	h.create(t, b)

	if err := h.d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	got := h.waitIdle(t, "b1")
	if got.Status != models.StatusCompleted || got.SentCount != 4 || got.FailedCount != 1 {
		t.Errorf("broadcast = %s %d/%d, want completed 4/1", got.Status, got.SentCount, got.FailedCount)
	}
	if !slices.Equal(h.sender.sent(), b.Targets[2:]) {
		t.Errorf("sent %v, want only the unattempted targets", h.sender.sent())
	}
}

func TestOutcomeSettlesCampaign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := &models.RecurringCampaign{ID: "camp-1", DeviceID: "dev-1", InFlight: 1, IsActive: true}
	if err := h.store.CreateCampaign(ctx, c); err != nil {
		t.Fatal(err)
	}
	b := newDraft("b1", 2)
	b.CampaignID = "camp-1"
	h.create(t, b)

	h.d.Send(ctx, "b1")
	h.waitIdle(t, "b1")

	got, err := h.store.GetCampaign(ctx, "camp-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalSent != 1 || got.TotalFailed != 0 || got.InFlight != 0 {
		t.Errorf("campaign counters = %d/%d/%d, want 1/0/0", got.TotalSent, got.TotalFailed, got.InFlight)
	}
}

func TestQuotaPausesWithoutFailing(t *testing.T) {
	h := newHarness(t)
	quota, err := ratelimit.NewLimiter(h.store.DB(), &ratelimit.Config{
		DefaultDevice: &ratelimit.LimitConfig{MessagesPerHour: 2},
	})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer quota.Stop()

	d := NewDispatcher(h.store, h.sender, h.sched, quota, h.bus, Config{Workers: 1}, discardLogger())
	var quotaWait time.Duration
	d.sleep = func(ctx context.Context, wait time.Duration) error {
		if wait > time.Minute {
			// the run parks on the quota; shut down instead of waiting an hour
			quotaWait = wait
			d.cancel()
			return context.Canceled
		}
		return ctx.Err()
	}

	h.create(t, newDraft("b1", 4))
	if _, err := d.Send(context.Background(), "b1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	d.wg.Wait()

	got, err := h.store.GetBroadcast(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusProcessing || got.SentCount != 2 || got.FailedCount != 0 {
		t.Errorf("broadcast = %s %d/%d, want still processing with 2 sent", got.Status, got.SentCount, got.FailedCount)
	}
	if quotaWait <= 0 {
		t.Error("run did not wait for the quota window")
	}
}

func TestRecipientQuotaFailsTargetAndContinues(t *testing.T) {
	h := newHarness(t)
	quota, err := ratelimit.NewLimiter(h.store.DB(), &ratelimit.Config{
		DefaultRecipient: &ratelimit.LimitConfig{MessagesPerHour: 1},
	})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer quota.Stop()

	d := NewDispatcher(h.store, h.sender, h.sched, quota, h.bus, Config{Workers: 1}, discardLogger())
	var longest time.Duration
	d.sleep = func(ctx context.Context, wait time.Duration) error {
		longest = max(longest, wait)
		return ctx.Err()
	}

	b := newDraft("b1", 0)
	b.Targets = []string{"+628110001", "+628110002", "+628110001", "+628110003"}
	h.create(t, b)
	if _, err := d.Send(context.Background(), "b1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	d.wg.Wait()

	got, err := h.store.GetBroadcast(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCompleted || got.SentCount != 3 || got.FailedCount != 1 {
		t.Errorf("broadcast = %s %d/%d, want completed 3/1", got.Status, got.SentCount, got.FailedCount)
	}
	if !strings.Contains(got.LastError, "recipient quota") {
		t.Errorf("LastError = %q, want recipient quota", got.LastError)
	}
	if want := []string{"+628110001", "+628110002", "+628110003"}; !slices.Equal(h.sender.sent(), want) {
		t.Errorf("sent = %v, want %v", h.sender.sent(), want)
	}
	if longest > time.Minute {
		t.Errorf("run paused %s on a recipient quota", longest)
	}
	if fb := d.Feedback().Feedback("dev-1"); fb == nil || fb.Attempts != 3 || fb.Failures != 0 {
		t.Errorf("Feedback() = %+v, want 3 attempts without failures", fb)
	}
}
