package tz

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownZone is returned for zone identifiers the tz database does not know.
var ErrUnknownZone = errors.New("unknown time zone")

// Resolver converts local wall-clock values to instants and back.
//
// A Resolver is safe for concurrent use. The zero value is not usable; use New.
type Resolver struct {
	now   func() time.Time
	zones sync.Map // zone name -> *time.Location
}

// New returns a Resolver reading the current time from now (time.Now if nil).
func New(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

var defaultResolver = New(nil)

// Default returns the process-wide resolver backed by the system clock.
func Default() *Resolver { return defaultResolver }

// Location loads and caches the named zone.
func (r *Resolver) Location(zone string) (*time.Location, error) {
	if zone == "" {
		return nil, fmt.Errorf("%w: empty zone", ErrUnknownZone)
	}
	if loc, ok := r.zones.Load(zone); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	actual, _ := r.zones.LoadOrStore(zone, loc)
	return actual.(*time.Location), nil
}

// ToAbsolute pins a local date-time in zone to an instant.
//
// A local time that falls in a spring-forward gap resolves to the first instant after
// the gap. A local time that occurs twice (fall-back) resolves to the earlier occurrence.
func (r *Resolver) ToAbsolute(l LocalDateTime, zone string) (time.Time, error) {
	loc, err := r.Location(zone)
	if err != nil {
		return time.Time{}, err
	}
	return Pin(l, loc), nil
}

// ToLocal returns the wall-clock value of t in zone, truncated to the minute.
func (r *Resolver) ToLocal(t time.Time, zone string) (LocalDateTime, error) {
	loc, err := r.Location(zone)
	if err != nil {
		return LocalDateTime{}, err
	}
	return Wall(t, loc), nil
}

// NowInZone returns the current wall-clock value in zone.
func (r *Resolver) NowInZone(zone string) (LocalDateTime, error) {
	return r.ToLocal(r.now(), zone)
}

// Now returns the resolver's current instant.
func (r *Resolver) Now() time.Time { return r.now() }

// Wall returns the wall-clock value of t in loc, truncated to the minute.
func Wall(t time.Time, loc *time.Location) LocalDateTime {
	t = t.In(loc)
	return LocalDateTime{
		Date:  DateOf(t),
		Clock: Clock{Hour: t.Hour(), Minute: t.Minute()},
	}
}

// Pin resolves l in loc; see Resolver.ToAbsolute for gap and overlap handling.
func Pin(l LocalDateTime, loc *time.Location) time.Time {
	naive := time.Date(l.Date.Year, l.Date.Month, l.Date.Day, l.Clock.Hour, l.Clock.Minute, 0, 0, time.UTC)

	// Offsets in force well before and well after the wall time cover both sides of any
	// single transition near it.
	probes := [...]time.Duration{-48 * time.Hour, 0, 48 * time.Hour}

	var best time.Time
	found := false
	for _, p := range probes {
		_, off := naive.Add(p).In(loc).Zone()
		cand := naive.Add(-time.Duration(off) * time.Second)
		if Wall(cand, loc) != l {
			continue
		}
		if !found || cand.Before(best) {
			best, found = cand, true
		}
	}
	if found {
		return best
	}

	// Gap: read the wall time with the pre-transition offset, which lands inside the new
	// zone period, and return the start of that period.
	_, before := naive.Add(probes[0]).In(loc).Zone()
	inside := naive.Add(-time.Duration(before) * time.Second).In(loc)
	start, _ := inside.ZoneBounds()
	if start.IsZero() {
		return inside
	}
	return start
}
