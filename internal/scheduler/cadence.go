package scheduler

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/config"
)

// Cadence is a named calendar period. A pipeline on a cadence runs once per
// period, as soon as the period starts.
type Cadence string

const (
	Hourly  Cadence = "hourly"
	Daily   Cadence = "daily"
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
)

// periodStart returns the start of the period containing now, in UTC.
// Weeks start on Monday.
func (c Cadence) periodStart(now time.Time) time.Time {
	now = now.UTC()
	switch c {
	case Hourly:
		return now.Truncate(time.Hour)
	case Weekly:
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		return time.Date(now.Year(), now.Month(), now.Day()-(weekday-1), 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// next returns the start of the period after the one containing now.
func (c Cadence) next(now time.Time) time.Time {
	start := c.periodStart(now)
	switch c {
	case Hourly:
		return start.Add(time.Hour)
	case Weekly:
		return start.AddDate(0, 0, 7)
	case Monthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

func (c Cadence) valid() bool {
	switch c {
	case Hourly, Daily, Weekly, Monthly:
		return true
	}
	return false
}

// Entry schedules one pipeline either on a cadence or on a fixed interval.
// Interval wins when both are set.
type Entry struct {
	Pipeline string
	Cadence  Cadence
	Interval time.Duration
}

// Due reports whether the pipeline should run at now given its last
// completed run. A pipeline that never completed is always due.
func (e Entry) Due(now time.Time, lastCompleted *time.Time) bool {
	if lastCompleted == nil {
		return true
	}
	if e.Interval > 0 {
		return !now.Before(lastCompleted.Add(e.Interval))
	}
	return lastCompleted.Before(e.Cadence.periodStart(now))
}

// Next returns the earliest time after a run completing at completed that
// the pipeline becomes due again.
func (e Entry) Next(completed time.Time) time.Time {
	if e.Interval > 0 {
		return completed.UTC().Add(e.Interval)
	}
	return e.Cadence.next(completed)
}

// EntriesFromConfig converts the enabled schedule entries, sorted by name.
func EntriesFromConfig(cfg config.SchedulerConfig) ([]Entry, error) {
	out := make([]Entry, 0, len(cfg.Pipelines))
	for name, se := range cfg.Pipelines {
		if !se.Enabled {
			continue
		}
		e := Entry{Pipeline: name, Cadence: Cadence(se.Cadence), Interval: time.Duration(se.IntervalSecs) * time.Second}
		if e.Interval <= 0 && !e.Cadence.valid() {
			return nil, eris.Errorf("scheduler: %s has no interval and unknown cadence %q", name, se.Cadence)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pipeline < out[j].Pipeline })
	return out, nil
}
