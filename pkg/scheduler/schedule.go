// Package scheduler runs persisted summarization tasks on a wall-clock loop
// with at-least-once execution, bounded retry, and multi-sink delivery.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/recapd/recapd/pkg/models"
)

// Schedule descriptor kinds.
const (
	KindOnce    = "once"
	KindDaily   = "daily"
	KindWeekly  = "weekly"
	KindMonthly = "monthly"
	KindCron    = "cron"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Descriptor is a parsed schedule. All times are UTC.
//
// Grammar:
//
//	once@2026-01-02T15:04
//	daily@15:04
//	weekly@mon-15:04
//	monthly@02-15:04
//	cron@*/30 * * * *
type Descriptor struct {
	Kind string

	at      time.Time    // once
	hour    int          // daily, weekly, monthly
	minute  int
	weekday time.Weekday // weekly
	day     int          // monthly
	cron    cron.Schedule
}

// ParseSchedule parses a schedule descriptor string.
func ParseSchedule(s string) (*Descriptor, error) {
	kind, rest, ok := strings.Cut(s, "@")
	if !ok {
		return nil, models.NewValidationError("schedule", "expected kind@spec")
	}
	d := &Descriptor{Kind: kind}
	switch kind {
	case KindOnce:
		at, err := parseOnce(rest)
		if err != nil {
			return nil, models.NewValidationError("schedule", err.Error())
		}
		d.at = at

	case KindDaily:
		var err error
		if d.hour, d.minute, err = parseClock(rest); err != nil {
			return nil, models.NewValidationError("schedule", err.Error())
		}

	case KindWeekly:
		day, clock, ok := strings.Cut(rest, "-")
		if !ok {
			return nil, models.NewValidationError("schedule", "expected weekly@day-HH:MM")
		}
		wd, ok := weekdays[strings.ToLower(day)[:min(3, len(day))]]
		if !ok {
			return nil, models.NewValidationError("schedule", fmt.Sprintf("unknown weekday %q", day))
		}
		d.weekday = wd
		var err error
		if d.hour, d.minute, err = parseClock(clock); err != nil {
			return nil, models.NewValidationError("schedule", err.Error())
		}

	case KindMonthly:
		dayStr, clock, ok := strings.Cut(rest, "-")
		if !ok {
			return nil, models.NewValidationError("schedule", "expected monthly@DD-HH:MM")
		}
		day, err := strconv.Atoi(dayStr)
		if err != nil || day < 1 || day > 31 {
			return nil, models.NewValidationError("schedule", fmt.Sprintf("invalid day of month %q", dayStr))
		}
		d.day = day
		if d.hour, d.minute, err = parseClock(clock); err != nil {
			return nil, models.NewValidationError("schedule", err.Error())
		}

	case KindCron:
		sched, err := cronParser.Parse(rest)
		if err != nil {
			return nil, models.NewValidationError("schedule", fmt.Sprintf("invalid cron expression: %v", err))
		}
		d.cron = sched

	default:
		return nil, models.NewValidationError("schedule", fmt.Sprintf("unknown kind %q", kind))
	}
	return d, nil
}

func parseOnce(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Next returns the first trigger strictly after now, computed from the wall
// clock so skew does not accumulate. A spent one-shot returns the zero time.
func (d *Descriptor) Next(now time.Time) time.Time {
	now = now.UTC()
	switch d.Kind {
	case KindOnce:
		if d.at.After(now) {
			return d.at
		}
		return time.Time{}

	case KindDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), d.hour, d.minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next

	case KindWeekly:
		next := time.Date(now.Year(), now.Month(), now.Day(), d.hour, d.minute, 0, 0, time.UTC)
		offset := (int(d.weekday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, offset)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next

	case KindMonthly:
		next := monthlyAt(now.Year(), now.Month(), d.day, d.hour, d.minute)
		if !next.After(now) {
			next = monthlyAt(now.Year(), now.Month()+1, d.day, d.hour, d.minute)
		}
		return next

	case KindCron:
		return d.cron.Next(now)
	}
	return time.Time{}
}

// monthlyAt clamps the day to the month's length so monthly@31 still fires
// in February.
func monthlyAt(year int, month time.Month, day, hour, minute int) time.Time {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	last := firstOfNext.AddDate(0, 0, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

// Window returns the implicit summarization window [start, now) for a run
// triggered at now: one interval's worth of history.
func (d *Descriptor) Window(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch d.Kind {
	case KindDaily:
		return now.Add(-24 * time.Hour), now
	case KindWeekly:
		return now.AddDate(0, 0, -7), now
	case KindMonthly:
		return now.AddDate(0, -1, 0), now
	case KindCron:
		// Interval between the next two triggers approximates the period.
		n1 := d.cron.Next(now)
		n2 := d.cron.Next(n1)
		interval := n2.Sub(n1)
		if interval <= 0 || interval > 31*24*time.Hour {
			interval = 24 * time.Hour
		}
		return now.Add(-interval), now
	default: // once
		return now.Add(-24 * time.Hour), now
	}
}
