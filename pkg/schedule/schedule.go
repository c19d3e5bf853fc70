package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule determines when a queue should next become due.
// A zero Next result means the schedule has ended and will never fire again.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

// cronParser accepts the standard five-field syntax with optional seconds.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// cronSchedule runs on a cron expression.
type cronSchedule struct {
	expr  string
	sched cron.Schedule
}

func (s cronSchedule) Next(from time.Time) time.Time {
	return s.sched.Next(from)
}

func (s cronSchedule) String() string {
	return fmt.Sprintf("cron %q", s.expr)
}

// Cron creates a schedule from a five- or six-field cron expression.
func Cron(expr string) (Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCronExpr, err)
	}
	return cronSchedule{expr: expr, sched: sched}, nil
}

// intervalSchedule runs at fixed intervals.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	return from.Add(s.every)
}

func (s intervalSchedule) String() string {
	return fmt.Sprintf("every %v", s.every)
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) (Schedule, error) {
	if d <= 0 {
		return nil, ErrInvalidInterval
	}
	return intervalSchedule{every: d}, nil
}

// windowSchedule restricts an inner schedule to a validity window.
// Fire times before begin are pushed forward to the first due time at or
// after begin; fire times past end yield the zero time (schedule ended).
type windowSchedule struct {
	inner Schedule
	begin *time.Time
	end   *time.Time
}

func (s windowSchedule) Next(from time.Time) time.Time {
	if s.begin != nil && from.Before(*s.begin) {
		// The window has not opened yet; the first due time is computed
		// from the window start, not from now.
		from = s.begin.Add(-time.Nanosecond)
	}
	next := s.inner.Next(from)
	if next.IsZero() {
		return next
	}
	if s.end != nil && next.After(*s.end) {
		return time.Time{}
	}
	return next
}

func (s windowSchedule) String() string {
	return fmt.Sprintf("%s within window", s.inner)
}

// Window wraps a schedule with an optional validity window. Either bound may
// be nil for an open-ended window.
func Window(inner Schedule, begin, end *time.Time) Schedule {
	if begin == nil && end == nil {
		return inner
	}
	return windowSchedule{inner: inner, begin: begin, end: end}
}
