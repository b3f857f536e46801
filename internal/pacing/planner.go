// Package pacing turns a target count and a pacing policy into a concrete send plan.
//
// Plans are pure values. A Planner only holds the tunable tier table, which may be
// swapped at runtime with Apply; Plan is safe to call concurrently.
package pacing

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

var (
	// ErrInvalidPolicy is returned for structurally broken policies (negative values,
	// unknown delay type).
	ErrInvalidPolicy = errors.New("invalid pacing policy")

	// ErrInvalidTable is returned by Apply and Validate for non-monotonic tier tables.
	ErrInvalidTable = errors.New("invalid pacing table")
)

// FloorError reports a manual delay below the minimum allowed for the list size.
type FloorError struct {
	Targets      int
	DelaySeconds int
	MinSeconds   int
}

func (e *FloorError) Error() string {
	return fmt.Sprintf("delay of %ds is too short for %d targets (minimum %ds)", e.DelaySeconds, e.Targets, e.MinSeconds)
}

// Tier is one row of the auto pacing table. A tier applies to target counts up to and
// including MaxTargets; MaxTargets 0 marks the unbounded last tier.
type Tier struct {
	MaxTargets   int `yaml:"max_targets" json:"max_targets"`
	DelaySeconds int `yaml:"delay_seconds" json:"delay_seconds"`
	BatchSize    int `yaml:"batch_size" json:"batch_size"`
	PauseSeconds int `yaml:"pause_seconds" json:"pause_seconds"`
}

// AdaptiveStep scales the auto delay once the recent failure rate reaches MinFailureRate.
type AdaptiveStep struct {
	MinFailureRate float64 `yaml:"min_failure_rate" json:"min_failure_rate"`
	Multiplier     float64 `yaml:"multiplier" json:"multiplier"`
}

// Table is the tunable part of the planner.
type Table struct {
	Tiers    []Tier         `yaml:"tiers" json:"tiers"`
	Adaptive []AdaptiveStep `yaml:"adaptive" json:"adaptive"`

	// Feedback with fewer attempts than this is ignored.
	MinFeedbackAttempts int `yaml:"min_feedback_attempts" json:"min_feedback_attempts"`
}

// DefaultTable returns the built-in pacing table.
func DefaultTable() Table {
	return Table{
		Tiers: []Tier{
			{MaxTargets: 50, DelaySeconds: 3, BatchSize: 50, PauseSeconds: 30},
			{MaxTargets: 100, DelaySeconds: 5, BatchSize: 40, PauseSeconds: 60},
			{MaxTargets: 200, DelaySeconds: 8, BatchSize: 30, PauseSeconds: 120},
			{MaxTargets: 1000, DelaySeconds: 10, BatchSize: 20, PauseSeconds: 300},
			{MaxTargets: 0, DelaySeconds: 15, BatchSize: 15, PauseSeconds: 600},
		},
		Adaptive: []AdaptiveStep{
			{MinFailureRate: 0.05, Multiplier: 1.5},
			{MinFailureRate: 0.15, Multiplier: 2},
			{MinFailureRate: 0.30, Multiplier: 3},
		},
		MinFeedbackAttempts: 10,
	}
}

// Validate checks that pacing never gets more aggressive as the target count grows and
// that every tier honours the manual delay floors.
func (t Table) Validate() error {
	if len(t.Tiers) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalidTable)
	}
	for i, tier := range t.Tiers {
		last := i == len(t.Tiers)-1
		switch {
		case tier.MaxTargets == 0 && !last:
			return fmt.Errorf("%w: tier %d: only the last tier may be unbounded", ErrInvalidTable, i)
		case tier.MaxTargets != 0 && last:
			return fmt.Errorf("%w: last tier must be unbounded (max_targets: 0)", ErrInvalidTable)
		case tier.MaxTargets < 0:
			return fmt.Errorf("%w: tier %d: negative max_targets", ErrInvalidTable, i)
		case tier.DelaySeconds < 1 || tier.BatchSize < 1 || tier.PauseSeconds < 0:
			return fmt.Errorf("%w: tier %d: delay and batch must be positive, pause non-negative", ErrInvalidTable, i)
		}
		// the largest list a tier serves must clear the floor
		largest := tier.MaxTargets
		if last {
			largest = math.MaxInt32
		}
		if floor := Floor(largest); tier.DelaySeconds < floor {
			return fmt.Errorf("%w: tier %d: delay %ds below floor %ds", ErrInvalidTable, i, tier.DelaySeconds, floor)
		}
		if i == 0 {
			continue
		}
		prev := t.Tiers[i-1]
		if !last && tier.MaxTargets <= prev.MaxTargets {
			return fmt.Errorf("%w: tier %d: max_targets must increase", ErrInvalidTable, i)
		}
		if tier.DelaySeconds < prev.DelaySeconds || tier.BatchSize > prev.BatchSize || tier.PauseSeconds < prev.PauseSeconds {
			return fmt.Errorf("%w: tier %d is more aggressive than tier %d", ErrInvalidTable, i, i-1)
		}
	}
	for i, step := range t.Adaptive {
		if step.MinFailureRate < 0 || step.MinFailureRate > 1 || step.Multiplier < 1 {
			return fmt.Errorf("%w: adaptive step %d: rate must be in [0,1] and multiplier >= 1", ErrInvalidTable, i)
		}
		if i > 0 {
			prev := t.Adaptive[i-1]
			if step.MinFailureRate <= prev.MinFailureRate || step.Multiplier < prev.Multiplier {
				return fmt.Errorf("%w: adaptive step %d must raise both rate and multiplier", ErrInvalidTable, i)
			}
		}
	}
	if t.MinFeedbackAttempts < 0 {
		return fmt.Errorf("%w: negative min_feedback_attempts", ErrInvalidTable)
	}
	return nil
}

// Planner computes pacing plans.
type Planner struct {
	table atomic.Pointer[Table]
}

// NewPlanner returns a planner using table, or DefaultTable when table is nil.
func NewPlanner(table *Table) (*Planner, error) {
	p := &Planner{}
	t := DefaultTable()
	if table != nil {
		t = *table
	}
	if err := p.Apply(t); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply swaps the pacing table after validating it.
func (p *Planner) Apply(t Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	cp := t
	cp.Tiers = append([]Tier(nil), t.Tiers...)
	cp.Adaptive = append([]AdaptiveStep(nil), t.Adaptive...)
	p.table.Store(&cp)
	return nil
}

// Table returns a copy of the active table.
func (p *Planner) Table() Table {
	t := *p.table.Load()
	t.Tiers = append([]Tier(nil), t.Tiers...)
	t.Adaptive = append([]AdaptiveStep(nil), t.Adaptive...)
	return t
}

// Plan returns the pacing plan for sending to targetCount recipients under policy.
func (p *Planner) Plan(targetCount int, policy Policy) (Plan, error) {
	if targetCount < 0 {
		return Plan{}, fmt.Errorf("%w: negative target count", ErrInvalidPolicy)
	}
	t := p.table.Load()

	var plan Plan
	switch policy.Type.Normalize() {
	case DelayManual:
		if policy.DelaySeconds < 0 || policy.BatchSize < 0 || policy.PauseBetweenBatches < 0 {
			return Plan{}, fmt.Errorf("%w: manual values must not be negative", ErrInvalidPolicy)
		}
		plan = Plan{
			DelayType:    DelayManual,
			DelaySeconds: policy.DelaySeconds,
			BatchSize:    policy.BatchSize,
			PauseSeconds: policy.PauseBetweenBatches,
		}
		if policy.RandomizeDelay {
			plan.Jitter = DefaultJitter
		}
	case DelayAuto:
		plan = autoPlan(t, targetCount)
	case DelayAdaptive:
		plan = autoPlan(t, targetCount)
		plan.DelayType = DelayAdaptive
		if m := adaptiveMultiplier(t, policy.Feedback); m > 1 {
			plan.DelaySeconds = int(math.Ceil(float64(plan.DelaySeconds) * m))
		}
	default:
		return Plan{}, fmt.Errorf("%w: unknown delay type %q", ErrInvalidPolicy, policy.Type)
	}

	plan.Risk = Assess(targetCount, plan.DelaySeconds, plan.DelayType)
	return plan, nil
}

func autoPlan(t *Table, targetCount int) Plan {
	tier := t.Tiers[len(t.Tiers)-1]
	for _, candidate := range t.Tiers {
		if candidate.MaxTargets == 0 || targetCount <= candidate.MaxTargets {
			tier = candidate
			break
		}
	}
	return Plan{
		DelayType:    DelayAuto,
		DelaySeconds: tier.DelaySeconds,
		Jitter:       DefaultJitter,
		BatchSize:    tier.BatchSize,
		PauseSeconds: tier.PauseSeconds,
	}
}

func adaptiveMultiplier(t *Table, fb *Feedback) float64 {
	if fb == nil || fb.Attempts < t.MinFeedbackAttempts || fb.Attempts == 0 {
		return 1
	}
	rate := fb.FailureRate()
	m := 1.0
	for _, step := range t.Adaptive {
		if rate >= step.MinFailureRate {
			m = step.Multiplier
		}
	}
	return m
}

// Floor returns the minimum manual delay in seconds for a list of targetCount recipients.
func Floor(targetCount int) int {
	switch {
	case targetCount > 100:
		return 8
	case targetCount > 50:
		return 5
	default:
		return 0
	}
}

// ValidateManual rejects manual policies that fall below the delay floor for the list
// size. Non-manual policies always pass. It is meant to run when a broadcast is created
// or edited, not when it is planned.
func ValidateManual(targetCount int, policy Policy) error {
	if !policy.Type.Valid() {
		return fmt.Errorf("%w: unknown delay type %q", ErrInvalidPolicy, policy.Type)
	}
	if policy.Type.Normalize() != DelayManual {
		return nil
	}
	if policy.DelaySeconds < 0 || policy.BatchSize < 0 || policy.PauseBetweenBatches < 0 {
		return fmt.Errorf("%w: manual values must not be negative", ErrInvalidPolicy)
	}
	if floor := Floor(targetCount); policy.DelaySeconds < floor {
		return &FloorError{Targets: targetCount, DelaySeconds: policy.DelaySeconds, MinSeconds: floor}
	}
	return nil
}

// Assess labels how risky sending targetCount messages delaySeconds apart is. The label
// never improves as the list grows and never worsens as the delay grows.
func Assess(targetCount, delaySeconds int, delayType DelayType) Risk {
	if targetCount <= 0 {
		return RiskSafe
	}
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	if delayType.Normalize() == DelayManual && delaySeconds < Floor(targetCount) {
		return RiskHigh
	}

	load := float64(targetCount) / float64(max(delaySeconds, 1))
	switch {
	case load <= 20:
		return RiskSafe
	case load <= 60:
		return RiskRisky
	default:
		return RiskHigh
	}
}

// Worse returns the riskier of a and b.
func Worse(a, b Risk) Risk {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}
