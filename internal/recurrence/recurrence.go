// Package recurrence resolves the next fire instant of a recurring campaign.
//
// Each frequency is a Rule that finds the next eligible local date. One shared step then
// applies the campaign bounds (active flag, execution cap, end date) and pins the date at
// the campaign's time of day in its zone.
package recurrence

import (
	"fmt"
	"time"

	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/tz"
)

// NextFireAfter returns the earliest fire instant at or after ref. ok is false when the
// campaign is inactive, has reached MaxExecutions, or has no fire left before EndDate.
//
// A fire equal to ref is returned as is; callers debounce against LastSentAt.
func NextFireAfter(c *models.RecurringCampaign, ref time.Time) (fire time.Time, ok bool, err error) {
	rule, err := RuleFor(c)
	if err != nil {
		return time.Time{}, false, err
	}
	return nextFire(c, rule, ref, c.Executions())
}

// NextFireWithPending is NextFireAfter with pending fires, whose outcome is not recorded
// yet, counted against MaxExecutions.
func NextFireWithPending(c *models.RecurringCampaign, ref time.Time, pending int) (time.Time, bool, error) {
	rule, err := RuleFor(c)
	if err != nil {
		return time.Time{}, false, err
	}
	return nextFire(c, rule, ref, c.Executions()+max(pending, 0))
}

func nextFire(c *models.RecurringCampaign, rule Rule, ref time.Time, executions int) (time.Time, bool, error) {
	if !c.IsActive || (c.MaxExecutions > 0 && executions >= c.MaxExecutions) {
		return time.Time{}, false, nil
	}
	loc, err := tz.Default().Location(c.Timezone)
	if err != nil {
		return time.Time{}, false, err
	}

	from := tz.Wall(ref, loc).Date
	if from.Before(c.StartDate) {
		from = c.StartDate
	}
	// Only the reference day can yield a fire before ref, plus at most one more day
	// around a DST overlap at midnight.
	d, ok := rule.nextDate(from)
	for range 3 {
		if !ok {
			return time.Time{}, false, fmt.Errorf("%s rule for campaign %s yields no date", rule.Frequency(), c.ID)
		}
		if !c.EndDate.IsZero() && d.After(c.EndDate) {
			return time.Time{}, false, nil
		}
		if fire := tz.Pin(d.At(c.TimeOfDay), loc); !fire.Before(ref) {
			return fire, true, nil
		}
		d, ok = rule.after(d)
	}
	return time.Time{}, false, fmt.Errorf("campaign %s: no fire found after %s", c.ID, ref.Format(time.RFC3339))
}

// Preview lists up to n upcoming fires at or after ref, counting each listed fire
// against MaxExecutions.
func Preview(c *models.RecurringCampaign, ref time.Time, n int) ([]time.Time, error) {
	rule, err := RuleFor(c)
	if err != nil {
		return nil, err
	}
	var fires []time.Time
	executions := c.Executions()
	for len(fires) < n {
		fire, ok, err := nextFire(c, rule, ref, executions)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		fires = append(fires, fire)
		executions++
		ref = fire.Add(time.Minute)
	}
	return fires, nil
}
