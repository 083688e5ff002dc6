// Package schedule computes when a scheduled task should next run.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linkerlin/tgclaw/internal/types"
)

// ErrInvalidSchedule is wrapped by every rejection from Next.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Five or six fields (leading seconds optional) plus @hourly style descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Longest interval whose millisecond count still fits in a time.Duration.
const maxIntervalMS = math.MaxInt64 / int64(time.Millisecond)

// Zone-less layouts accepted for one-off tasks; they are read in the configured location.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// Next returns the first run time of a schedule relative to now.
//
// cron values are evaluated in loc and yield the next matching instant after
// now. interval values are a positive number of milliseconds added to now.
// once values are an absolute timestamp; a time in the past is returned as is
// so the task runs on the next scheduler tick.
func Next(kind types.ScheduleType, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	value = strings.TrimSpace(value)

	switch kind {
	case types.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, value, err)
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() {
			return nil, fmt.Errorf("%w: cron %q never fires", ErrInvalidSchedule, value)
		}
		return &next, nil

	case types.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("%w: interval %q must be a positive number of milliseconds", ErrInvalidSchedule, value)
		}
		if ms > maxIntervalMS {
			return nil, fmt.Errorf("%w: interval %q is out of range", ErrInvalidSchedule, value)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		if !next.After(now) {
			return nil, fmt.Errorf("%w: interval %q is out of range", ErrInvalidSchedule, value)
		}
		return &next, nil

	case types.ScheduleOnce:
		at, err := parseOnce(value, loc)
		if err != nil {
			return nil, err
		}
		return &at, nil
	}
	return nil, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, kind)
}

// After computes the run following a completed run. One-off tasks have no
// successor and return nil without error.
func After(kind types.ScheduleType, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	if kind == types.ScheduleOnce {
		return nil, nil
	}
	return Next(kind, value, now, loc)
}

// Format renders t as a storage timestamp.
func Format(t time.Time) string {
	return types.FormatTime(t)
}

func parseOnce(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrInvalidSchedule)
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidSchedule, value)
}
