package repository

import (
	"fmt"
	"time"
	// zone data for hosts without a system tz database
	_ "time/tzdata"
)

// TimestampLayout is the cell format of every timestamp the store holds.
const TimestampLayout = "2006-01-02 15:04:05"

const dateLayout = "2006-01-02"

// Calendar fixes the reference timezone and clock used to decide which
// calendar day a usage event belongs to.
type Calendar struct {
	Location *time.Location
	Now      func() time.Time
}

func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{Location: loc, Now: time.Now}
}

// LoadCalendar resolves an IANA zone name such as "Asia/Tokyo".
func LoadCalendar(zone string) (Calendar, error) {
	if zone == "" {
		return NewCalendar(time.UTC), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return NewCalendar(loc), nil
}

func (c Calendar) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Current returns the clock reading in the reference timezone.
func (c Calendar) Current() time.Time {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().In(c.location())
}

// StartOfDay returns midnight of t's day in the reference timezone.
func (c Calendar) StartOfDay(t time.Time) time.Time {
	t = t.In(c.location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.location())
}

// Today returns the start of the current day.
func (c Calendar) Today() time.Time {
	return c.StartOfDay(c.Current())
}

// Contains reports whether t falls on the day starting at dayStart.
func (c Calendar) Contains(dayStart, t time.Time) bool {
	end := dayStart.AddDate(0, 0, 1)
	return !t.Before(dayStart) && t.Before(end)
}

// Stamp formats t the way timestamps are written to the store.
func (c Calendar) Stamp(t time.Time) string {
	return t.In(c.location()).Format(TimestampLayout)
}

// ParseStamp parses a stored timestamp in the reference timezone.
func (c Calendar) ParseStamp(value string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, value, c.location())
}

// ParseDate parses YYYY-MM-DD as the start of that day.
func (c Calendar) ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, value, c.location())
}
