package record

import (
	"fmt"
	"time"

	"github.com/chaz8081/vitals-bridge/internal/failure"
)

// baseYear is the epoch of the two-digit years devices store.
const baseYear = 2000

// LocalTime resolves a wall-clock reading taken in loc into an instant.
//
// Fields are range-checked rather than normalised, so a corrupt day 31 in
// February is an error instead of silently becoming March 3rd. A wall clock
// that falls in a DST gap is an error; one that occurs twice (DST fall-back)
// resolves to the earlier instant so the same bytes always decode the same way.
func LocalTime(loc *time.Location, year, month, day, hour, min, sec int) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("record: month %d: %w", month, failure.ErrMalformedPayload)
	}
	if day < 1 || day > daysIn(year, time.Month(month)) {
		return time.Time{}, fmt.Errorf("record: day %d of %04d-%02d: %w", day, year, month, failure.ErrMalformedPayload)
	}
	if hour > 23 || min > 59 || sec > 59 || hour < 0 || min < 0 || sec < 0 {
		return time.Time{}, fmt.Errorf("record: time %02d:%02d:%02d: %w", hour, min, sec, failure.ErrMalformedPayload)
	}

	wall := time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
	guess := time.Date(year, time.Month(month), day, hour, min, sec, 0, loc)

	var found time.Time
	for _, probe := range []time.Time{guess.Add(-12 * time.Hour), guess, guess.Add(12 * time.Hour)} {
		_, offset := probe.Zone()
		candidate := wall.Add(-time.Duration(offset) * time.Second).In(loc)
		if !sameWallClock(candidate, wall) {
			continue
		}
		if found.IsZero() || candidate.Before(found) {
			found = candidate
		}
	}
	if found.IsZero() {
		return time.Time{}, fmt.Errorf("record: %s does not exist in %s: %w", wall.Format("2006-01-02 15:04:05"), loc, failure.ErrMalformedPayload)
	}
	return found, nil
}

// Clock is a wall-clock reading broken into the fields devices store.
type Clock struct {
	Year, Month, Day, Hour, Minute, Second int
}

// ClockIn converts now to loc's wall clock.
func ClockIn(now time.Time, loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return Clock{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

func sameWallClock(t, wall time.Time) bool {
	y1, m1, d1 := t.Date()
	y2, m2, d2 := wall.Date()
	return y1 == y2 && m1 == m2 && d1 == d2 &&
		t.Hour() == wall.Hour() && t.Minute() == wall.Minute() && t.Second() == wall.Second()
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
