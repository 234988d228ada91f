// Package schedule resolves wall-clock send times to absolute instants.
//
// A scheduled email carries a calendar date, a time of day and an IANA zone
// name. Nothing here touches the network or the store; every function is pure.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04:05"
)

var clockLayouts = []string{
	"15:04:05",
	"15:04",
	"15:04:05.999999999",
}

// Offsets sampled around a naive wall clock. Real zone offsets lie within
// [-12h, +14h], so these samples see the offsets on both sides of any
// transition near the candidate instants.
var offsetSamples = []time.Duration{
	-30 * time.Hour,
	-15 * time.Hour,
	0,
	15 * time.Hour,
	30 * time.Hour,
}

// IsValidTimezone reports whether the runtime zone database knows name.
// "Local" and the empty string are rejected since they do not name a zone.
func IsValidTimezone(name string) bool {
	_, err := loadLocation(name)
	return err == nil
}

// ConvertToUTC interprets date and clock as wall-clock time in tz.
//
// ok is false when the zone is unknown, the input is malformed, or the wall
// clock falls into a spring-forward gap. A repeated fall-back time resolves
// to its first occurrence, i.e. the earliest instant.
func ConvertToUTC(date, clock, tz string) (time.Time, bool) {
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, false
	}

	wall, err := ParseWallClock(date, clock)
	if err != nil {
		return time.Time{}, false
	}

	return resolve(wall, loc)
}

// IsDue reports whether the send instant is at or before now.
// Anything that cannot be converted is not due.
func IsDue(date, clock, tz string, now time.Time) bool {
	at, ok := ConvertToUTC(date, clock, tz)
	if !ok {
		return false
	}
	return !at.After(now)
}

// FormatLocal renders t as date and clock strings in tz.
func FormatLocal(t time.Time, tz string) (date, clock string, ok bool) {
	loc, err := loadLocation(tz)
	if err != nil {
		return "", "", false
	}
	local := t.In(loc)
	return local.Format(DateLayout), local.Format(ClockLayout), true
}

// ParseWallClock parses a date and a time of day into a naive time whose
// fields carry the wall clock. The location of the result is UTC and has no
// meaning beyond that.
func ParseWallClock(date, clock string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}

	c, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}

	return time.Date(d.Year(), d.Month(), d.Day(),
		c.Hour(), c.Minute(), c.Second(), c.Nanosecond(), time.UTC), nil
}

// ParseClock accepts HH:MM, HH:MM:SS and HH:MM:SS with a fraction.
func ParseClock(clock string) (time.Time, error) {
	clock = strings.TrimSpace(clock)
	for _, layout := range clockLayouts {
		if c, err := time.Parse(layout, clock); err == nil {
			return c, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time of day %q", clock)
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("invalid timezone %q", name)
	}
	return time.LoadLocation(name)
}

func resolve(wall time.Time, loc *time.Location) (time.Time, bool) {
	var (
		best  time.Time
		found bool
		seen  = make(map[int]struct{}, len(offsetSamples))
	)

	for _, p := range offsetSamples {
		_, offset := wall.Add(p).In(loc).Zone()
		if _, ok := seen[offset]; ok {
			continue
		}
		seen[offset] = struct{}{}

		candidate := wall.Add(-time.Duration(offset) * time.Second)
		if !sameWallClock(candidate.In(loc), wall) {
			continue
		}
		if !found || candidate.Before(best) {
			best = candidate
			found = true
		}
	}

	if !found {
		return time.Time{}, false
	}
	return best.UTC(), true
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() &&
		a.Minute() == b.Minute() &&
		a.Second() == b.Second() &&
		a.Nanosecond() == b.Nanosecond()
}
