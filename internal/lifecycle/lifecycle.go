// Package lifecycle is the broadcast state machine.
//
//	draft ──► processing ──► completed
//	              │  ▲
//	              │  └── failed (retry)
//	              ├─────► failed
//	              └─────► cancelled
//
// Functions mutate the broadcast they are given and return the Transition to report.
// Persisting the result (with a version check) is the caller's job.
package lifecycle

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
)

var (
	// ErrInvalidTransition is returned when a broadcast is not in a state the operation
	// can leave from.
	ErrInvalidTransition = errors.New("invalid broadcast transition")

	// ErrNotEditable is returned by Edit for broadcasts that left draft.
	ErrNotEditable = errors.New("broadcast is not editable")

	// ErrTargetsExhausted is returned by RecordAttempt once every target has an outcome.
	ErrTargetsExhausted = errors.New("all targets already attempted")

	// ErrIncomplete is returned by Complete while targets remain.
	ErrIncomplete = errors.New("broadcast has unattempted targets")
)

var allowed = map[models.BroadcastStatus][]models.BroadcastStatus{
	models.StatusDraft:      {models.StatusProcessing},
	models.StatusProcessing: {models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
	models.StatusFailed:     {models.StatusProcessing},
}

// Transition is a state change to report to subscribers.
type Transition struct {
	BroadcastID string                 `json:"broadcast_id"`
	From        models.BroadcastStatus `json:"from"`
	To          models.BroadcastStatus `json:"to"`
	At          time.Time              `json:"at"`
	Reason      string                 `json:"reason,omitempty"`
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to models.BroadcastStatus) bool {
	return slices.Contains(allowed[from], to)
}

func move(b *models.Broadcast, to models.BroadcastStatus, now time.Time) (Transition, error) {
	from := b.Status
	if !CanTransition(from, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	b.Status = to
	b.UpdatedAt = now
	return Transition{BroadcastID: b.ID, From: from, To: to, At: now}, nil
}

// Start moves a draft into processing and locks plan on it.
func Start(b *models.Broadcast, plan pacing.Plan, now time.Time) (Transition, error) {
	if b.Status != models.StatusDraft {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, models.StatusProcessing)
	}
	return enterProcessing(b, plan, now)
}

// Retry moves a failed broadcast back into processing. Counters reset to zero and the
// run restarts from the first target, so targets that succeeded before are sent again.
func Retry(b *models.Broadcast, plan pacing.Plan, now time.Time) (Transition, error) {
	if b.Status != models.StatusFailed {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, models.StatusProcessing)
	}
	b.SentCount = 0
	b.FailedCount = 0
	return enterProcessing(b, plan, now)
}

func enterProcessing(b *models.Broadcast, plan pacing.Plan, now time.Time) (Transition, error) {
	tr, err := move(b, models.StatusProcessing, now)
	if err != nil {
		return tr, err
	}
	b.Plan = &plan
	b.StartedAt = &now
	b.CompletedAt = nil
	b.LastError = ""
	return tr, nil
}

// RecordAttempt adds one target outcome to a processing broadcast. done reports whether
// every target now has an outcome.
func RecordAttempt(b *models.Broadcast, ok bool, now time.Time) (done bool, err error) {
	if b.Status != models.StatusProcessing {
		return false, fmt.Errorf("%w: cannot record attempts while %s", ErrInvalidTransition, b.Status)
	}
	if b.Attempted() >= len(b.Targets) {
		return true, ErrTargetsExhausted
	}
	if ok {
		b.SentCount++
	} else {
		b.FailedCount++
	}
	b.UpdatedAt = now
	return b.Attempted() == len(b.Targets), nil
}

// Complete finishes a processing broadcast whose targets have all been attempted.
func Complete(b *models.Broadcast, now time.Time) (Transition, error) {
	if b.Status == models.StatusProcessing && b.Attempted() < len(b.Targets) {
		return Transition{}, fmt.Errorf("%w: %d of %d attempted", ErrIncomplete, b.Attempted(), len(b.Targets))
	}
	tr, err := move(b, models.StatusCompleted, now)
	if err != nil {
		return tr, err
	}
	b.CompletedAt = &now
	return tr, nil
}

// Fail stops a processing broadcast on a fatal condition.
func Fail(b *models.Broadcast, reason string, now time.Time) (Transition, error) {
	tr, err := move(b, models.StatusFailed, now)
	if err != nil {
		return tr, err
	}
	b.LastError = reason
	b.CompletedAt = &now
	tr.Reason = reason
	return tr, nil
}

// Cancel aborts a processing broadcast. Sends already issued are not rolled back.
func Cancel(b *models.Broadcast, now time.Time) (Transition, error) {
	tr, err := move(b, models.StatusCancelled, now)
	if err != nil {
		return tr, err
	}
	b.CompletedAt = &now
	return tr, nil
}

// Duplicate returns a fresh draft with b's content, targets, device and pacing. Counters,
// schedule, plan and campaign link are not copied. Any status may be duplicated.
func Duplicate(b *models.Broadcast, id string, now time.Time) *models.Broadcast {
	d := &models.Broadcast{
		ID:        id,
		OwnerID:   b.OwnerID,
		DeviceID:  b.DeviceID,
		Message:   b.Message,
		MediaURL:  b.MediaURL,
		Targets:   slices.Clone(b.Targets),
		Status:    models.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.SetPolicy(b.Policy())
	return d
}

// Edit applies fn to a draft. Identity, status and execution fields are restored after
// fn runs, so only content, targets, schedule and pacing can change.
func Edit(b *models.Broadcast, now time.Time, fn func(*models.Broadcast)) error {
	if b.Status != models.StatusDraft {
		return fmt.Errorf("%w: status is %s", ErrNotEditable, b.Status)
	}
	keep := *b
	fn(b)
	b.ID = keep.ID
	b.OwnerID = keep.OwnerID
	b.CampaignID = keep.CampaignID
	b.Status = keep.Status
	b.SentCount, b.FailedCount = 0, 0
	b.Plan = nil
	b.StartedAt, b.CompletedAt = nil, nil
	b.Version = keep.Version
	b.CreatedAt = keep.CreatedAt
	b.UpdatedAt = now
	return nil
}

// DueForStart reports whether a scheduled draft's time has come.
func DueForStart(b *models.Broadcast, now time.Time) bool {
	return b.Status == models.StatusDraft && b.ScheduledAt != nil && !b.ScheduledAt.After(now)
}
