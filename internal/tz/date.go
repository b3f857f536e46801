// Package tz converts between campaign-local wall-clock values and absolute instants.
//
// All campaign date arithmetic (weekday of a date, day-of-month, day distances) is done on
// LocalDate values, which carry no zone. A zone only comes into play when a local value is
// pinned to an instant with ToAbsolute or read back with ToLocal.
package tz

import (
	"fmt"
	"time"
)

// LocalDate is a calendar date without a zone.
type LocalDate struct {
	Year  int
	Month time.Month
	Day   int
}

// Clock is a wall-clock time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

// LocalDateTime is a date and time of day without a zone.
type LocalDateTime struct {
	Date  LocalDate
	Clock Clock
}

// Date returns a normalized LocalDate, so Date(2024, 2, 30) is March 1st.
func Date(year int, month time.Month, day int) LocalDate {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the wall date of t in t's own location.
func DateOf(t time.Time) LocalDate {
	y, m, d := t.Date()
	return LocalDate{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (LocalDate, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return LocalDate{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return DateOf(t), nil
}

// ParseClock parses an HH:MM time of day.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (d LocalDate) utc() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// IsZero reports whether d is the zero date.
func (d LocalDate) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Weekday returns the day of the week (Sunday = 0).
func (d LocalDate) Weekday() time.Weekday {
	return d.utc().Weekday()
}

// AddDays returns the date n calendar days after d.
func (d LocalDate) AddDays(n int) LocalDate {
	return DateOf(d.utc().AddDate(0, 0, n))
}

// AddMonths returns the date n months after d with the day clamped to the target month.
func (d LocalDate) AddMonths(n int) LocalDate {
	first := time.Date(d.Year, d.Month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	day := d.Day
	if last := DaysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return LocalDate{Year: first.Year(), Month: first.Month(), Day: day}
}

// DaysUntil returns the number of calendar days from d to other (negative if other is earlier).
func (d LocalDate) DaysUntil(other LocalDate) int {
	// both values are UTC midnights, so the difference is an exact multiple of 24h
	return int(other.utc().Sub(d.utc()) / (24 * time.Hour))
}

// MonthsUntil returns the number of whole calendar months from d's month to other's month.
func (d LocalDate) MonthsUntil(other LocalDate) int {
	return (other.Year-d.Year)*12 + int(other.Month) - int(d.Month)
}

// Compare returns -1, 0 or +1 depending on whether d is before, equal to or after other.
func (d LocalDate) Compare(other LocalDate) int {
	return d.utc().Compare(other.utc())
}

// Before reports whether d is strictly before other.
func (d LocalDate) Before(other LocalDate) bool { return d.Compare(other) < 0 }

// After reports whether d is strictly after other.
func (d LocalDate) After(other LocalDate) bool { return d.Compare(other) > 0 }

// At combines d with a time of day.
func (d LocalDate) At(c Clock) LocalDateTime {
	return LocalDateTime{Date: d, Clock: c}
}

func (d LocalDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalText implements encoding.TextMarshaler.
func (d LocalDate) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *LocalDate) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = LocalDate{}
		return nil
	}
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Valid reports whether c is a real time of day.
func (c Clock) Valid() bool {
	return c.Hour >= 0 && c.Hour < 24 && c.Minute >= 0 && c.Minute < 60
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// MarshalText implements encoding.TextMarshaler.
func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (l LocalDateTime) String() string {
	return l.Date.String() + " " + l.Clock.String()
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
