package pacing

import (
	"fmt"
	"time"
)

// DelayType selects how a plan's parameters are obtained.
type DelayType string

const (
	DelayAuto     DelayType = "auto"
	DelayManual   DelayType = "manual"
	DelayAdaptive DelayType = "adaptive"
)

// Valid reports whether t is a known delay type. The empty value is treated as auto.
func (t DelayType) Valid() bool {
	switch t {
	case "", DelayAuto, DelayManual, DelayAdaptive:
		return true
	}
	return false
}

// Normalize maps the empty value to auto.
func (t DelayType) Normalize() DelayType {
	if t == "" {
		return DelayAuto
	}
	return t
}

// Risk is an advisory label for how likely a send rate is to trip provider limits.
type Risk string

const (
	RiskSafe  Risk = "safe"
	RiskRisky Risk = "risky"
	RiskHigh  Risk = "high-risk"
)

func (r Risk) rank() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskRisky:
		return 1
	default:
		return 2
	}
}

// DefaultJitter is the fraction applied to the base delay when randomization is on.
const DefaultJitter = 0.3

// Policy is the pacing configuration attached to a broadcast. The manual fields are
// ignored unless Type is manual.
type Policy struct {
	Type                DelayType `json:"delay_type" yaml:"delay_type"`
	DelaySeconds        int       `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
	RandomizeDelay      bool      `json:"randomize_delay,omitempty" yaml:"randomize_delay,omitempty"`
	BatchSize           int       `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	PauseBetweenBatches int       `json:"pause_between_batches,omitempty" yaml:"pause_between_batches,omitempty"`

	// Feedback is only read for adaptive policies.
	Feedback *Feedback `json:"-" yaml:"-"`
}

// Feedback is a recent delivery signal from the transport.
type Feedback struct {
	Attempts int `json:"attempts"`
	Failures int `json:"failures"`
}

// FailureRate returns Failures/Attempts, or 0 when there were no attempts.
func (f *Feedback) FailureRate() float64 {
	if f == nil || f.Attempts <= 0 {
		return 0
	}
	rate := float64(f.Failures) / float64(f.Attempts)
	if rate > 1 {
		return 1
	}
	return rate
}

// Plan is the concrete pacing for one broadcast run.
type Plan struct {
	DelayType    DelayType `json:"delay_type"`
	DelaySeconds int       `json:"delay_seconds"`
	Jitter       float64   `json:"jitter"`
	BatchSize    int       `json:"batch_size"`
	PauseSeconds int       `json:"pause_seconds"`
	Risk         Risk      `json:"risk"`
}

// Randomized reports whether per-message delays are jittered.
func (p Plan) Randomized() bool { return p.Jitter > 0 }

// BaseDelay is the un-jittered per-message delay.
func (p Plan) BaseDelay() time.Duration {
	return time.Duration(p.DelaySeconds) * time.Second
}

// Pause is the wait inserted between batches.
func (p Plan) Pause() time.Duration {
	return time.Duration(p.PauseSeconds) * time.Second
}

func (p Plan) String() string {
	s := fmt.Sprintf("%s: %ds delay", p.DelayType, p.DelaySeconds)
	if p.Randomized() {
		s += fmt.Sprintf(" ±%.0f%%", p.Jitter*100)
	}
	return s + fmt.Sprintf(", batch %d, pause %ds, %s", p.BatchSize, p.PauseSeconds, p.Risk)
}
