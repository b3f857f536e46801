package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
)

var (
	t0   = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	plan = pacing.Plan{DelayType: pacing.DelayAuto, DelaySeconds: 3, Jitter: 0.3, BatchSize: 50, PauseSeconds: 30, Risk: pacing.RiskSafe}
)

func newDraft(targets ...string) *models.Broadcast {
	return &models.Broadcast{
		ID:        "b1",
		DeviceID:  "dev",
		Message:   "hello",
		Targets:   targets,
		Status:    models.StatusDraft,
		DelayType: pacing.DelayManual,
		BatchSize: 10,
		CreatedAt: t0,
	}
}

func TestHappyPath(t *testing.T) {
	b := newDraft("a", "b", "c")

	tr, err := Start(b, plan, t0)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if tr.From != models.StatusDraft || tr.To != models.StatusProcessing || tr.BroadcastID != "b1" {
		t.Errorf("Start() transition = %+v", tr)
	}
	if b.Plan == nil || *b.Plan != plan || b.StartedAt == nil {
		t.Errorf("Start() did not lock plan: %+v", b)
	}

	// completing early is refused
	if _, err := Complete(b, t0); !errors.Is(err, ErrIncomplete) {
		t.Errorf("Complete() early error = %v, want ErrIncomplete", err)
	}

	prev := 0
	results := []bool{true, false, true}
	for i, ok := range results {
		done, err := RecordAttempt(b, ok, t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("RecordAttempt() error = %v", err)
		}
		if b.Attempted() != prev+1 {
			t.Fatalf("Attempted() = %d, want %d", b.Attempted(), prev+1)
		}
		prev = b.Attempted()
		if done != (i == len(results)-1) {
			t.Errorf("RecordAttempt() done = %v at attempt %d", done, i)
		}
	}
	if b.SentCount != 2 || b.FailedCount != 1 {
		t.Errorf("counters = %d/%d, want 2/1", b.SentCount, b.FailedCount)
	}
	if _, err := RecordAttempt(b, true, t0); !errors.Is(err, ErrTargetsExhausted) {
		t.Errorf("RecordAttempt() past end error = %v, want ErrTargetsExhausted", err)
	}

	tr, err = Complete(b, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if tr.To != models.StatusCompleted || b.CompletedAt == nil {
		t.Errorf("Complete() = %+v, completed_at %v", tr, b.CompletedAt)
	}

	// counters are frozen once terminal
	if _, err := RecordAttempt(b, true, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("RecordAttempt() on completed error = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionTable(t *testing.T) {
	statuses := models.Statuses
	want := map[[2]models.BroadcastStatus]bool{
		{models.StatusDraft, models.StatusProcessing}:     true,
		{models.StatusProcessing, models.StatusCompleted}: true,
		{models.StatusProcessing, models.StatusFailed}:    true,
		{models.StatusProcessing, models.StatusCancelled}: true,
		{models.StatusFailed, models.StatusProcessing}:    true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			if got := CanTransition(from, to); got != want[[2]models.BroadcastStatus{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestCancelOnlyFromProcessing(t *testing.T) {
	for _, s := range models.Statuses {
		b := newDraft("a")
		b.Status = s
		_, err := Cancel(b, t0)
		if s == models.StatusProcessing {
			if err != nil {
				t.Errorf("Cancel(processing) error = %v", err)
			}
			if b.Status != models.StatusCancelled {
				t.Errorf("status = %s, want cancelled", b.Status)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Cancel(%s) error = %v, want ErrInvalidTransition", s, err)
		}
		if b.Status != s {
			t.Errorf("Cancel(%s) changed status to %s", s, b.Status)
		}
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, s := range []models.BroadcastStatus{models.StatusCompleted, models.StatusCancelled} {
		b := newDraft("a")
		b.Status = s
		if _, err := Start(b, plan, t0); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Start(%s) error = %v", s, err)
		}
		if _, err := Retry(b, plan, t0); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Retry(%s) error = %v", s, err)
		}
		if _, err := Fail(b, "x", t0); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Fail(%s) error = %v", s, err)
		}
		if _, err := Complete(b, t0); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Complete(%s) error = %v", s, err)
		}
		d := Duplicate(b, "b2", t0)
		if d.Status != models.StatusDraft {
			t.Errorf("Duplicate(%s) status = %s, want draft", s, d.Status)
		}
	}
}

func TestFailAndRetry(t *testing.T) {
	b := newDraft("a", "b", "c")
	if _, err := Start(b, plan, t0); err != nil {
		t.Fatal(err)
	}
	RecordAttempt(b, true, t0)
	RecordAttempt(b, false, t0)

	tr, err := Fail(b, "device disconnected", t0)
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if tr.Reason != "device disconnected" || b.LastError != "device disconnected" {
		t.Errorf("Fail() reason not recorded: %+v / %q", tr, b.LastError)
	}
	if b.SentCount != 1 || b.FailedCount != 1 {
		t.Errorf("Fail() changed counters: %d/%d", b.SentCount, b.FailedCount)
	}

	newPlan := plan
	newPlan.DelaySeconds = 9
	tr, err = Retry(b, newPlan, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if tr.From != models.StatusFailed || tr.To != models.StatusProcessing {
		t.Errorf("Retry() transition = %+v", tr)
	}
	if b.SentCount != 0 || b.FailedCount != 0 || b.LastError != "" || b.CompletedAt != nil {
		t.Errorf("Retry() did not reset: %+v", b)
	}
	if b.Plan.DelaySeconds != 9 {
		t.Errorf("Retry() plan delay = %d, want 9", b.Plan.DelaySeconds)
	}
}

func TestDuplicate(t *testing.T) {
	sched := t0.Add(time.Hour)
	b := newDraft("a", "b")
	b.MediaURL = "https://example.com/a.jpg"
	b.CampaignID = "c1"
	b.ScheduledAt = &sched
	b.Status = models.StatusCompleted
	b.SentCount = 2
	b.Plan = &plan

	d := Duplicate(b, "b2", t0)
	if d.ID != "b2" || d.Status != models.StatusDraft {
		t.Errorf("Duplicate() = %+v", d)
	}
	if d.Message != b.Message || d.MediaURL != b.MediaURL || d.DeviceID != b.DeviceID || len(d.Targets) != 2 {
		t.Errorf("Duplicate() did not copy content: %+v", d)
	}
	if d.DelayType != pacing.DelayManual || d.BatchSize != 10 {
		t.Errorf("Duplicate() did not copy pacing: %+v", d)
	}
	if d.SentCount != 0 || d.Plan != nil || d.ScheduledAt != nil || d.CampaignID != "" {
		t.Errorf("Duplicate() copied execution state: %+v", d)
	}
	d.Targets[0] = "z"
	if b.Targets[0] != "a" {
		t.Error("Duplicate() shares targets with the original")
	}
}

func TestEdit(t *testing.T) {
	b := newDraft("a")
	b.Version = 4
	err := Edit(b, t0.Add(time.Minute), func(b *models.Broadcast) {
		b.Message = "updated"
		b.Targets = append(b.Targets, "b")
		b.Status = models.StatusCompleted
		b.SentCount = 7
		b.ID = "other"
	})
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if b.Message != "updated" || len(b.Targets) != 2 {
		t.Errorf("Edit() did not apply content: %+v", b)
	}
	if b.ID != "b1" || b.Status != models.StatusDraft || b.SentCount != 0 || b.Version != 4 {
		t.Errorf("Edit() changed protected fields: %+v", b)
	}

	b.Status = models.StatusProcessing
	if err := Edit(b, t0, func(*models.Broadcast) {}); !errors.Is(err, ErrNotEditable) {
		t.Errorf("Edit(processing) error = %v, want ErrNotEditable", err)
	}
}

func TestDueForStart(t *testing.T) {
	b := newDraft("a")
	if DueForStart(b, t0) {
		t.Error("unscheduled draft should not be due")
	}
	at := t0
	b.ScheduledAt = &at
	if !DueForStart(b, t0) {
		t.Error("draft scheduled now should be due")
	}
	if DueForStart(b, t0.Add(-time.Second)) {
		t.Error("draft scheduled in the future should not be due")
	}
	b.Status = models.StatusProcessing
	if DueForStart(b, t0) {
		t.Error("processing broadcast should not be due")
	}
}
