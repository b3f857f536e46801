// Package scheduler decides when a recurring campaign is due and with which pacing plan.
package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/recurrence"
)

// DefaultGrace is how late a fire may still be sent.
const DefaultGrace = 10 * time.Minute

// ErrMissingContent is returned by Validate for campaigns without device, message or targets.
var ErrMissingContent = errors.New("campaign content incomplete")

// Decision is the outcome of evaluating a campaign at one instant.
type Decision struct {
	// Due is set when FireAt has arrived and should produce a broadcast now.
	Due bool `json:"due"`
	// Skipped is set when FireAt was missed by more than the grace window.
	Skipped bool      `json:"skipped"`
	FireAt  time.Time `json:"fire_at,omitzero"`
	// Next is the cursor to store as NextSendAt once the decision is applied.
	Next *time.Time  `json:"next,omitempty"`
	Plan pacing.Plan `json:"plan,omitzero"`
}

// Scheduler composes the recurrence resolver and the pacing planner.
type Scheduler struct {
	planner *pacing.Planner
	grace   time.Duration
}

// New creates a scheduler. A non-positive grace uses DefaultGrace.
func New(planner *pacing.Planner, grace time.Duration) *Scheduler {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Scheduler{planner: planner, grace: grace}
}

// Grace returns the missed-fire grace window.
func (s *Scheduler) Grace() time.Duration { return s.grace }

// Planner returns the pacing planner.
func (s *Scheduler) Planner() *pacing.Planner { return s.planner }

// Evaluate decides what to do with c at now. fb is the device's recent delivery feedback
// and is only used by adaptive pacing; it may be nil.
func (s *Scheduler) Evaluate(c *models.RecurringCampaign, now time.Time, fb *pacing.Feedback) (Decision, error) {
	floor := now.Add(-s.grace)
	ref := s.reference(c, now)

	// A stored cursor that fell behind the grace window is a missed fire.
	if c.NextSendAt != nil && c.NextSendAt.Before(floor) && !s.debounced(c, *c.NextSendAt) && c.IsActive {
		next, err := s.next(c, ref, c.InFlight)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Skipped: true, FireAt: *c.NextSendAt, Next: next}, nil
	}

	fire, ok, err := recurrence.NextFireWithPending(c, ref, c.InFlight)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{}, nil
	}
	if fire.After(now) {
		return Decision{FireAt: fire, Next: &fire}, nil
	}

	policy := c.Pacing
	policy.Feedback = fb
	plan, err := s.planner.Plan(len(c.Targets), policy)
	if err != nil {
		return Decision{}, fmt.Errorf("plan campaign %s: %w", c.ID, err)
	}
	next, err := s.next(c, fire.Add(time.Nanosecond), c.InFlight+1)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Due: true, FireAt: fire, Next: next, Plan: plan}, nil
}

// reference is the earliest instant a fire may be at: never before the grace window,
// never at or before the last fire and never before the stored cursor.
func (s *Scheduler) reference(c *models.RecurringCampaign, now time.Time) time.Time {
	ref := now.Add(-s.grace)
	if c.LastSentAt != nil && !c.LastSentAt.Before(ref) {
		ref = c.LastSentAt.Add(time.Nanosecond)
	}
	if c.NextSendAt != nil && c.NextSendAt.After(ref) {
		ref = *c.NextSendAt
	}
	return ref
}

func (s *Scheduler) debounced(c *models.RecurringCampaign, fire time.Time) bool {
	return c.LastSentAt != nil && !fire.After(*c.LastSentAt)
}

func (s *Scheduler) next(c *models.RecurringCampaign, ref time.Time, pending int) (*time.Time, error) {
	fire, ok, err := recurrence.NextFireWithPending(c, ref, pending)
	if err != nil || !ok {
		return nil, err
	}
	return &fire, nil
}

// MarkFired records that fireAt produced a broadcast at now and advances NextSendAt past
// it. The fire counts against MaxExecutions until RecordOutcome settles it.
func (s *Scheduler) MarkFired(c *models.RecurringCampaign, fireAt, now time.Time) error {
	sent := now
	if sent.Before(fireAt) {
		sent = fireAt
	}
	c.LastSentAt = &sent
	c.InFlight++
	c.UpdatedAt = now
	next, err := s.next(c, sent.Add(time.Nanosecond), c.InFlight)
	if err != nil {
		return err
	}
	c.NextSendAt = next
	return nil
}

// Skip advances the cursor past a missed fire without counting an execution.
func (s *Scheduler) Skip(c *models.RecurringCampaign, d Decision, now time.Time) {
	c.NextSendAt = d.Next
	c.UpdatedAt = now
}

// RecordOutcome settles one fire: a run that reached completion counts as sent, anything
// else as failed.
func (s *Scheduler) RecordOutcome(c *models.RecurringCampaign, ok bool, now time.Time) {
	if ok {
		c.TotalSent++
	} else {
		c.TotalFailed++
	}
	if c.InFlight > 0 {
		c.InFlight--
	}
	c.UpdatedAt = now
}

// Reopen takes back a failed outcome when its broadcast is retried. The fire counts as
// in flight again until the retry settles.
func (s *Scheduler) Reopen(c *models.RecurringCampaign, now time.Time) {
	if c.TotalFailed > 0 {
		c.TotalFailed--
	}
	c.InFlight++
	c.UpdatedAt = now
}

// Refresh recomputes NextSendAt from now. It runs after create, edit, pause and resume.
func (s *Scheduler) Refresh(c *models.RecurringCampaign, now time.Time) error {
	ref := now
	if c.LastSentAt != nil && !c.LastSentAt.Before(ref) {
		ref = c.LastSentAt.Add(time.Nanosecond)
	}
	next, err := s.next(c, ref, c.InFlight)
	if err != nil {
		return err
	}
	c.NextSendAt = next
	return nil
}

// NewBroadcast builds the draft broadcast a fire produces. Content, targets, device and
// pacing are copied from the campaign.
func NewBroadcast(c *models.RecurringCampaign, fireAt time.Time, id string) *models.Broadcast {
	at := fireAt
	b := &models.Broadcast{
		ID:          id,
		OwnerID:     c.OwnerID,
		DeviceID:    c.DeviceID,
		CampaignID:  c.ID,
		Message:     c.Message,
		MediaURL:    c.MediaURL,
		Targets:     slices.Clone(c.Targets),
		ScheduledAt: &at,
		Status:      models.StatusDraft,
		CreatedAt:   fireAt,
		UpdatedAt:   fireAt,
	}
	b.SetPolicy(c.Pacing)
	return b
}

// Validate checks a campaign for create or edit: the schedule, the content and the
// manual pacing floor for its target count.
func Validate(c *models.RecurringCampaign) error {
	if err := recurrence.Validate(c); err != nil {
		return err
	}
	switch {
	case c.DeviceID == "":
		return fmt.Errorf("%w: device_id is required", ErrMissingContent)
	case c.Message == "" && c.MediaURL == "":
		return fmt.Errorf("%w: message or media_url is required", ErrMissingContent)
	case len(c.Targets) == 0:
		return fmt.Errorf("%w: at least one target is required", ErrMissingContent)
	}
	return pacing.ValidateManual(len(c.Targets), c.Pacing)
}

// ValidateBroadcast checks a broadcast for create or edit.
func ValidateBroadcast(b *models.Broadcast) error {
	switch {
	case b.DeviceID == "":
		return fmt.Errorf("%w: device_id is required", ErrMissingContent)
	case b.Message == "" && b.MediaURL == "":
		return fmt.Errorf("%w: message or media_url is required", ErrMissingContent)
	case len(b.Targets) == 0:
		return fmt.Errorf("%w: at least one target is required", ErrMissingContent)
	}
	return pacing.ValidateManual(len(b.Targets), b.Policy())
}
