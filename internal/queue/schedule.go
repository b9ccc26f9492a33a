package queue

import (
	"time"

	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
)

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseScheduleTime reads a send time. Values with an explicit offset are
// taken as is; values without one are wall-clock time in tz (UTC when empty).
func ParseScheduleTime(value, tz string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}

	loc, err := location(tz)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, failure.New(failure.CodeInvalidRequest, "unrecognized time %q", value)
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, failure.New(failure.CodeInvalidRequest, "unknown timezone %q", tz)
	}
	return loc, nil
}

// NextOccurrence computes when the occurrence after the one due at last
// should go out, stepping in the item's timezone so a daily 09:00 send stays
// at 09:00 across DST changes. ok is false when the series is finished.
func NextOccurrence(rc models.RecurringConfig, last time.Time, tz string) (next time.Time, ok bool) {
	if rc.MaxOccurrences > 0 && rc.Occurrence >= rc.MaxOccurrences {
		return time.Time{}, false
	}
	interval := rc.Interval
	if interval <= 0 {
		interval = 1
	}

	loc, err := location(tz)
	if err != nil {
		loc = time.UTC
	}
	local := last.In(loc)
	switch rc.Frequency {
	case models.FrequencyDaily:
		local = local.AddDate(0, 0, interval)
	case models.FrequencyWeekly:
		local = local.AddDate(0, 0, 7*interval)
	case models.FrequencyMonthly:
		local = local.AddDate(0, interval, 0)
	default:
		return time.Time{}, false
	}

	next = local.UTC()
	if rc.EndAt != nil && next.After(*rc.EndAt) {
		return time.Time{}, false
	}
	return next, true
}
