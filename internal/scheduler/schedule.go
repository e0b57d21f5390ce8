package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleSpec is a parsed cadence. Next returns the first activation
// strictly after t.
type ScheduleSpec interface {
	Next(t time.Time) time.Time
}

// ScheduleFunc adapts a function to ScheduleSpec.
type ScheduleFunc func(t time.Time) time.Time

func (f ScheduleFunc) Next(t time.Time) time.Time { return f(t) }

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cadence in one of these forms:
//
//	hourly             at minute 0 of every hour
//	daily              at midnight
//	daily@07:30        every day at the given local time
//	every 15m          fixed interval from the previous completion
//	*/30 * * * *       five-field cron expression, also @daily, @every 1h
//
// Calendar forms are evaluated in loc; nil means UTC. A cron expression
// may carry its own CRON_TZ= prefix.
func ParseSchedule(spec string, loc *time.Location) (ScheduleSpec, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if loc == nil {
		loc = time.UTC
	}

	lower := strings.ToLower(s)
	switch {
	case lower == "hourly":
		s = "0 * * * *"
	case lower == "daily":
		s = "0 0 * * *"
	case strings.HasPrefix(lower, "daily@"):
		h, m, err := ParseClock(s[len("daily@"):])
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", spec, err)
		}
		s = fmt.Sprintf("%d %d * * *", m, h)
	case strings.HasPrefix(lower, "every "):
		d, err := time.ParseDuration(strings.TrimSpace(s[len("every "):]))
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", spec, err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("schedule %q: interval must be at least 1s", spec)
		}
		return cron.Every(d), nil
	}

	if !strings.HasPrefix(s, "CRON_TZ=") && !strings.HasPrefix(s, "TZ=") {
		s = "CRON_TZ=" + loc.String() + " " + s
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return sched, nil
}

// ParseClock parses a 24-hour HH:MM time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("time of day %q must be HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}
