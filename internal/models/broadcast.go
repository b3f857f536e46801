package models

import (
	"slices"
	"time"

	"github.com/foxzi/wablast/internal/pacing"
)

// BroadcastStatus is the lifecycle state of a broadcast
type BroadcastStatus string

const (
	StatusDraft      BroadcastStatus = "draft"
	StatusProcessing BroadcastStatus = "processing"
	StatusCompleted  BroadcastStatus = "completed"
	StatusFailed     BroadcastStatus = "failed"
	StatusCancelled  BroadcastStatus = "cancelled"
)

// Statuses lists every broadcast status.
var Statuses = []BroadcastStatus{StatusDraft, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status.
func (s BroadcastStatus) Valid() bool {
	return slices.Contains(Statuses, s)
}

// Terminal reports whether s is completed, failed or cancelled.
func (s BroadcastStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Broadcast is a single send job, immediate or scheduled once.
type Broadcast struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id,omitempty"`
	DeviceID    string          `json:"device_id"`
	CampaignID  string          `json:"campaign_id,omitempty"`
	Message     string          `json:"message"`
	MediaURL    string          `json:"media_url,omitempty"`
	Targets     []string        `json:"targets"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	Status      BroadcastStatus `json:"status"`
	SentCount   int             `json:"sent_count"`
	FailedCount int             `json:"failed_count"`

	DelayType           pacing.DelayType `json:"delay_type"`
	DelaySeconds        int              `json:"delay_seconds,omitempty"`
	RandomizeDelay      bool             `json:"randomize_delay,omitempty"`
	BatchSize           int              `json:"batch_size,omitempty"`
	PauseBetweenBatches int              `json:"pause_between_batches,omitempty"`

	// Plan is locked when the broadcast enters processing.
	Plan      *pacing.Plan `json:"plan,omitempty"`
	LastError string       `json:"last_error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Policy returns the broadcast's pacing policy.
func (b *Broadcast) Policy() pacing.Policy {
	return pacing.Policy{
		Type:                b.DelayType.Normalize(),
		DelaySeconds:        b.DelaySeconds,
		RandomizeDelay:      b.RandomizeDelay,
		BatchSize:           b.BatchSize,
		PauseBetweenBatches: b.PauseBetweenBatches,
	}
}

// SetPolicy copies p's fields onto the broadcast.
func (b *Broadcast) SetPolicy(p pacing.Policy) {
	b.DelayType = p.Type.Normalize()
	b.DelaySeconds = p.DelaySeconds
	b.RandomizeDelay = p.RandomizeDelay
	b.BatchSize = p.BatchSize
	b.PauseBetweenBatches = p.PauseBetweenBatches
}

// Attempted returns SentCount + FailedCount.
func (b *Broadcast) Attempted() int {
	return b.SentCount + b.FailedCount
}

// Remaining returns how many targets have not been attempted yet.
func (b *Broadcast) Remaining() int {
	return max(len(b.Targets)-b.Attempted(), 0)
}

// Clone returns a deep copy of b.
func (b *Broadcast) Clone() *Broadcast {
	cp := *b
	cp.Targets = slices.Clone(b.Targets)
	cp.ScheduledAt = cloneTime(b.ScheduledAt)
	cp.StartedAt = cloneTime(b.StartedAt)
	cp.CompletedAt = cloneTime(b.CompletedAt)
	if b.Plan != nil {
		p := *b.Plan
		cp.Plan = &p
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// BroadcastFilter for filtering broadcasts
type BroadcastFilter struct {
	Status     BroadcastStatus
	DeviceID   string
	CampaignID string
	OwnerID    string
	Limit      int
	Offset     int
}

// Match reports whether b passes the filter (pagination aside).
func (f BroadcastFilter) Match(b *Broadcast) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.DeviceID != "" && b.DeviceID != f.DeviceID {
		return false
	}
	if f.CampaignID != "" && b.CampaignID != f.CampaignID {
		return false
	}
	if f.OwnerID != "" && b.OwnerID != f.OwnerID {
		return false
	}
	return true
}

// Stats holds record counts by kind and status
type Stats struct {
	Campaigns       int64                     `json:"campaigns"`
	ActiveCampaigns int64                     `json:"active_campaigns"`
	Broadcasts      int64                     `json:"broadcasts"`
	ByStatus        map[BroadcastStatus]int64 `json:"by_status"`
}
