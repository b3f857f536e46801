package recurrence

import (
	"time"

	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/tz"
)

// Rule is the frequency predicate of a campaign. Implementations are Daily, Weekly,
// Monthly and Custom; the set is closed.
type Rule interface {
	// nextDate returns the first date on or after from (never before the rule's start)
	// that the rule fires on. ok is false only for rules that can never fire.
	nextDate(from tz.LocalDate) (d tz.LocalDate, ok bool)
	// after returns the candidate that follows d, a date the rule fires on, when d's
	// fire instant has already passed.
	after(d tz.LocalDate) (tz.LocalDate, bool)
	Frequency() models.Frequency
}

// Daily fires every Every days counting from Start.
type Daily struct {
	Start tz.LocalDate
	Every int
}

func (r Daily) Frequency() models.Frequency { return models.FrequencyDaily }

func (r Daily) nextDate(from tz.LocalDate) (tz.LocalDate, bool) {
	return everyNDays(r.Start, r.Every, from), true
}

func (r Daily) after(d tz.LocalDate) (tz.LocalDate, bool) { return r.nextDate(d.AddDays(1)) }

// Custom fires every EveryDays days counting from Start.
type Custom struct {
	Start     tz.LocalDate
	EveryDays int
}

func (r Custom) Frequency() models.Frequency { return models.FrequencyCustom }

func (r Custom) nextDate(from tz.LocalDate) (tz.LocalDate, bool) {
	return everyNDays(r.Start, r.EveryDays, from), true
}

func (r Custom) after(d tz.LocalDate) (tz.LocalDate, bool) { return r.nextDate(d.AddDays(1)) }

func everyNDays(start tz.LocalDate, n int, from tz.LocalDate) tz.LocalDate {
	if from.Before(start) {
		return start
	}
	if r := start.DaysUntil(from) % n; r != 0 {
		return from.AddDays(n - r)
	}
	return from
}

// Weekly fires on the listed weekdays of every Every-th week. Weeks start on Sunday and
// are counted from the week containing Start.
type Weekly struct {
	Start tz.LocalDate
	Every int
	Days  [7]bool
}

func (r Weekly) Frequency() models.Frequency { return models.FrequencyWeekly }

func (r Weekly) nextDate(from tz.LocalDate) (tz.LocalDate, bool) {
	if from.Before(r.Start) {
		from = r.Start
	}
	anchor := weekOf(r.Start)
	// one full cycle of Every weeks plus the remainder of the current week
	for i := 0; i < 7*(r.Every+1); i++ {
		d := from.AddDays(i)
		if !r.Days[d.Weekday()] {
			continue
		}
		if week := anchor.DaysUntil(weekOf(d)) / 7; week%r.Every == 0 {
			return d, true
		}
	}
	return tz.LocalDate{}, false
}

func (r Weekly) after(d tz.LocalDate) (tz.LocalDate, bool) { return r.nextDate(d.AddDays(1)) }

func weekOf(d tz.LocalDate) tz.LocalDate {
	return d.AddDays(-int(d.Weekday()))
}

// Monthly fires on Day of the reference month, or Every months later once that date has
// passed. Day is clamped to the length of each month. The cycle is anchored at the
// month of the reference, not at Start.
type Monthly struct {
	Start tz.LocalDate
	Every int
	Day   int
}

func (r Monthly) Frequency() models.Frequency { return models.FrequencyMonthly }

func (r Monthly) nextDate(from tz.LocalDate) (tz.LocalDate, bool) {
	if from.Before(r.Start) {
		from = r.Start
	}
	if d := r.in(from); !d.Before(from) {
		return d, true
	}
	return r.after(from)
}

func (r Monthly) after(d tz.LocalDate) (tz.LocalDate, bool) {
	return r.in(tz.Date(d.Year, d.Month, 1).AddMonths(r.Every)), true
}

// in returns Day clamped into d's month.
func (r Monthly) in(d tz.LocalDate) tz.LocalDate {
	return tz.Date(d.Year, d.Month, min(r.Day, tz.DaysIn(d.Year, d.Month)))
}

// RuleFor builds the rule for c. It fails with a *ValidationError when the campaign's
// frequency fields are unusable.
func RuleFor(c *models.RecurringCampaign) (Rule, error) {
	if err := validateRule(c); err != nil {
		return nil, err
	}
	every := c.Interval()
	switch c.Frequency {
	case models.FrequencyDaily:
		return Daily{Start: c.StartDate, Every: every}, nil
	case models.FrequencyCustom:
		return Custom{Start: c.StartDate, EveryDays: every}, nil
	case models.FrequencyWeekly:
		r := Weekly{Start: c.StartDate, Every: every}
		for _, d := range c.DaysOfWeek {
			r.Days[time.Weekday(d)] = true
		}
		return r, nil
	default:
		return Monthly{Start: c.StartDate, Every: every, Day: c.DayOfMonth}, nil
	}
}
