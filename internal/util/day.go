package util

import (
	"fmt"
	"time"
	_ "time/tzdata" // session zones must resolve on hosts without zoneinfo
)

// Location resolves tz, falling back to UTC on unknown zones.
func Location(tz string) *time.Location {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TodayOpen returns the local midnight (00:00) for `now` in tz.
func TodayOpen(tz string, now time.Time) time.Time {
	loc := Location(tz)
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// NextOpen returns the next local midnight after `now` in tz.
func NextOpen(tz string, now time.Time) time.Time {
	o := TodayOpen(tz, now)
	return o.AddDate(0, 0, 1)
}

// SameTradingDay checks if a and b are on the same local day in tz.
func SameTradingDay(tz string, a, b time.Time) bool {
	return TodayOpen(tz, a).Equal(TodayOpen(tz, b))
}

// DayKey formats the local trading day of `now` as YYYY-MM-DD.
func DayKey(tz string, now time.Time) string {
	return TodayOpen(tz, now).Format("2006-01-02")
}

// ClockOffset parses "HH:MM" into an offset from local midnight.
func ClockOffset(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("clock %q: %w", hhmm, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
