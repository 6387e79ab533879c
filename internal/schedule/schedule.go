// Package schedule evaluates the weekly refresh schedule and runs the
// in-process cron daemon.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
)

// DefaultCron fires every Monday at 06:00.
const DefaultCron = "0 6 * * 1"

// Schedule is a parsed cron expression bound to a time zone.
type Schedule struct {
	expr  string
	loc   *time.Location
	sched cron.Schedule
}

// Parse parses a standard five-field cron expression (or descriptor such as
// "@weekly") in the named time zone. Empty values fall back to DefaultCron
// and UTC.
func Parse(expr, tz string) (*Schedule, error) {
	if expr == "" {
		expr = DefaultCron
	}
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, eris.Wrapf(err, "schedule: load timezone %q", tz)
		}
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, eris.Wrapf(err, "schedule: parse %q", expr)
	}
	return &Schedule{expr: expr, loc: loc, sched: sched}, nil
}

// String returns the cron expression.
func (s *Schedule) String() string { return s.expr }

// Location returns the schedule's time zone.
func (s *Schedule) Location() *time.Location { return s.loc }

// Next returns the first fire time strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t.In(s.loc))
}

// NextN returns the next n fire times after t.
func (s *Schedule) NextN(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = s.Next(t)
		out = append(out, t)
	}
	return out
}

// Due reports whether a fire time has passed since the last successful run.
// A pipeline that never succeeded is always due.
func (s *Schedule) Due(now time.Time, lastSuccess *time.Time) bool {
	if lastSuccess == nil {
		return true
	}
	return !s.Next(*lastSuccess).After(now)
}
