package automation

import (
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// SolarClock computes sunrise and sunset for the site.
type SolarClock struct {
	lat, lon float64
	loc      *time.Location
}

// NewSolarClock creates a clock for the given coordinates. Calendar dates
// are taken in loc; nil means UTC.
func NewSolarClock(latitude, longitude float64, loc *time.Location) SolarClock {
	if loc == nil {
		loc = time.UTC
	}
	return SolarClock{lat: latitude, lon: longitude, loc: loc}
}

// Event returns the time of ev on day's local calendar date. ok is false
// when the sun does not rise or set that day.
func (c SolarClock) Event(ev SolarEvent, day time.Time) (at time.Time, ok bool) {
	local := day.In(c.loc)
	rise, set := sunrise.SunriseSunset(c.lat, c.lon, local.Year(), local.Month(), local.Day())
	at = rise
	if ev == Sunset {
		at = set
	}
	if at.IsZero() {
		return time.Time{}, false
	}
	return at, true
}

// Matches reports whether tick falls in the same minute as the shifted
// event. An offset can move the event across midnight, so the neighbouring
// dates are checked too.
func (c SolarClock) Matches(spec SolarSpec, tick time.Time) bool {
	minute := tick.Truncate(time.Minute)
	shift := time.Duration(spec.Offset) * time.Minute
	for _, d := range [...]int{-1, 0, 1} {
		at, ok := c.Event(spec.Event, tick.AddDate(0, 0, d))
		if ok && at.Add(shift).Truncate(time.Minute).Equal(minute) {
			return true
		}
	}
	return false
}

// Passed reports whether now is at or after today's shifted event.
func (c SolarClock) Passed(spec SolarSpec, now time.Time) bool {
	at, ok := c.Event(spec.Event, now)
	if !ok {
		return false
	}
	return !now.Before(at.Add(time.Duration(spec.Offset) * time.Minute))
}
