package recurrence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/tz"
)

// ErrInvalidCampaign is the sentinel every *ValidationError unwraps to.
var ErrInvalidCampaign = errors.New("invalid campaign")

// FieldError is a problem with a single campaign field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a campaign definition.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid campaign: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidCampaign }

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Validate checks a campaign's schedule definition. It is meant to run when a campaign
// is created or edited; NextFireAfter assumes a campaign that passed it.
func Validate(c *models.RecurringCampaign) error {
	ve := &ValidationError{}
	collectRule(c, ve)

	if !c.TimeOfDay.Valid() {
		ve.add("time_of_day", "%s is not a valid time of day", c.TimeOfDay)
	}
	if _, err := tz.Default().Location(c.Timezone); err != nil {
		ve.add("timezone", "%v", err)
	}
	if !c.EndDate.IsZero() && c.EndDate.Before(c.StartDate) {
		ve.add("end_date", "%s is before start_date %s", c.EndDate, c.StartDate)
	}
	if c.MaxExecutions < 0 {
		ve.add("max_executions", "must not be negative")
	}
	return ve.err()
}

func validateRule(c *models.RecurringCampaign) error {
	ve := &ValidationError{}
	collectRule(c, ve)
	return ve.err()
}

func collectRule(c *models.RecurringCampaign, ve *ValidationError) {
	if c.StartDate.IsZero() {
		ve.add("start_date", "is required")
	}
	if c.IntervalValue < 0 {
		ve.add("interval_value", "must be positive")
	}
	switch c.Frequency {
	case models.FrequencyDaily, models.FrequencyCustom:
	case models.FrequencyWeekly:
		if len(c.DaysOfWeek) == 0 {
			ve.add("days_of_week", "at least one day is required for weekly campaigns")
		}
		for _, d := range c.DaysOfWeek {
			if d < 0 || d > 6 {
				ve.add("days_of_week", "%d is not a weekday index (0=Sunday..6=Saturday)", d)
			}
		}
	case models.FrequencyMonthly:
		if c.DayOfMonth < 1 || c.DayOfMonth > 31 {
			ve.add("day_of_month", "%d is outside 1-31", c.DayOfMonth)
		}
	default:
		ve.add("frequency", "unknown frequency %q", c.Frequency)
	}
}
