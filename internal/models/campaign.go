package models

import (
	"slices"
	"time"

	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/tz"
)

// Frequency is the recurrence kind of a campaign
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom" // every IntervalValue days
)

// RecurringCampaign is a recurring send definition. Each fire produces one Broadcast.
type RecurringCampaign struct {
	ID       string   `json:"id" yaml:"id"`
	OwnerID  string   `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	DeviceID string   `json:"device_id" yaml:"device_id"`
	Name     string   `json:"name" yaml:"name"`
	Message  string   `json:"message" yaml:"message"`
	MediaURL string   `json:"media_url,omitempty" yaml:"media_url,omitempty"`
	Targets  []string `json:"targets" yaml:"targets"`

	Frequency     Frequency    `json:"frequency" yaml:"frequency"`
	IntervalValue int          `json:"interval_value,omitempty" yaml:"interval_value,omitempty"`
	DaysOfWeek    []int        `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"` // 0=Sunday
	DayOfMonth    int          `json:"day_of_month,omitempty" yaml:"day_of_month,omitempty"`
	TimeOfDay     tz.Clock     `json:"time_of_day" yaml:"time_of_day"`
	Timezone      string       `json:"timezone" yaml:"timezone"`
	StartDate     tz.LocalDate `json:"start_date" yaml:"start_date"`
	EndDate       tz.LocalDate `json:"end_date" yaml:"end_date"` // zero = unbounded
	MaxExecutions int          `json:"max_executions,omitempty" yaml:"max_executions,omitempty"`

	Pacing pacing.Policy `json:"pacing" yaml:"pacing"`

	TotalSent   int        `json:"total_sent" yaml:"total_sent"`
	TotalFailed int        `json:"total_failed" yaml:"total_failed"`
	InFlight    int        `json:"in_flight,omitempty" yaml:"in_flight,omitempty"` // fired, outcome not recorded yet
	LastSentAt  *time.Time `json:"last_sent_at,omitempty" yaml:"last_sent_at,omitempty"`
	NextSendAt  *time.Time `json:"next_send_at,omitempty" yaml:"next_send_at,omitempty"`
	IsActive    bool       `json:"is_active" yaml:"is_active"`

	Version   int64     `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at,omitempty"`
}

// Interval returns IntervalValue, defaulting to 1.
func (c *RecurringCampaign) Interval() int {
	if c.IntervalValue < 1 {
		return 1
	}
	return c.IntervalValue
}

// Executions returns how many fires have completed with a recorded outcome.
func (c *RecurringCampaign) Executions() int {
	return c.TotalSent + c.TotalFailed
}

// Exhausted reports whether the execution cap has been reached.
func (c *RecurringCampaign) Exhausted() bool {
	return c.MaxExecutions > 0 && c.Executions() >= c.MaxExecutions
}

// HasWeekday reports whether d is one of the campaign's days of week.
func (c *RecurringCampaign) HasWeekday(d time.Weekday) bool {
	return slices.Contains(c.DaysOfWeek, int(d))
}

// Clone returns a deep copy of c.
func (c *RecurringCampaign) Clone() *RecurringCampaign {
	cp := *c
	cp.Targets = slices.Clone(c.Targets)
	cp.DaysOfWeek = slices.Clone(c.DaysOfWeek)
	cp.LastSentAt = cloneTime(c.LastSentAt)
	cp.NextSendAt = cloneTime(c.NextSendAt)
	cp.Pacing.Feedback = nil
	return &cp
}

// CampaignFilter for filtering campaigns
type CampaignFilter struct {
	DeviceID string
	OwnerID  string
	Active   *bool
	Limit    int
	Offset   int
}

// Match reports whether c passes the filter (pagination aside).
func (f CampaignFilter) Match(c *RecurringCampaign) bool {
	if f.DeviceID != "" && c.DeviceID != f.DeviceID {
		return false
	}
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if f.Active != nil && c.IsActive != *f.Active {
		return false
	}
	return true
}
