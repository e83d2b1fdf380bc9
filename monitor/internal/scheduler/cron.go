package scheduler

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule rejects a cron expression or timezone that cannot be
// parsed.
var ErrInvalidSchedule = errors.New("scheduler: invalid schedule")

// DefaultTimezone applies when a schedule names none.
const DefaultTimezone = "Asia/Seoul"

// Parse compiles a standard 5-field cron expression evaluated in tz.
func Parse(expr, tz string) (cron.Schedule, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, tz, err)
	}
	sched, err := cron.ParseStandard("CRON_TZ=" + tz + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// Validate reports whether expr and tz form a usable schedule.
func Validate(expr, tz string) error {
	_, err := Parse(expr, tz)
	return err
}

// Next returns the first fire time of expr after t.
func Next(expr, tz string, t time.Time) (time.Time, error) {
	sched, err := Parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t), nil
}
