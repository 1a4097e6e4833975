package taskengine

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses the standard 5-field expression into a bitmask schedule;
// we reuse the library's field parser/range-expansion but never call its own
// Schedule.Next — that collapses day-of-month/day-of-week into a single AND
// and doesn't expose per-field decomposition the way §4.7.2's matching rule
// requires, so cronFieldsMatch walks the bitmasks itself.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// cronSearchBound is the hard limit past which an unmatched cron expression
// is a configuration error rather than an infrequent schedule (§4.7.2).
const cronSearchBound = 366 * 24 * time.Hour

// computeNextCronOccurrence returns the first minute, evaluated in the IANA
// zone tz, strictly after from that matches cronExpr.
func computeNextCronOccurrence(cronExpr, tz string, from time.Time) (time.Time, error) {
	fields := strings.Fields(cronExpr)
	if len(fields) != 5 {
		return time.Time{}, fmt.Errorf("cron expression %q: want 5 fields, got %d", cronExpr, len(fields))
	}
	domWildcard := fields[2] == "*"
	dowWildcard := fields[4] == "*"

	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	spec, ok := sched.(*cronlib.SpecSchedule)
	if !ok {
		return time.Time{}, fmt.Errorf("cron expression %q: unsupported schedule", cronExpr)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	t := from.In(loc).Truncate(time.Minute).Add(time.Minute)
	deadline := from.Add(cronSearchBound)
	for !t.After(deadline) {
		if cronFieldsMatch(spec, domWildcard, dowWildcard, t) {
			return t.UTC(), nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("cron expression %q: no occurrence within %s of %s", cronExpr, cronSearchBound, from)
}

// cronFieldsMatch applies the classic day-of-month/day-of-week rule: both
// wildcards → AND (trivially satisfied since a wildcard matches everything);
// exactly one wildcard → the other field alone decides; neither wildcard →
// union (§4.7.2).
func cronFieldsMatch(spec *cronlib.SpecSchedule, domWildcard, dowWildcard bool, t time.Time) bool {
	minute, hour, month := uint(t.Minute()), uint(t.Hour()), uint(t.Month())
	if spec.Minute&(1<<minute) == 0 || spec.Hour&(1<<hour) == 0 || spec.Month&(1<<month) == 0 {
		return false
	}
	domMatch := spec.Dom&(1<<uint(t.Day())) != 0
	dowMatch := spec.Dow&(1<<uint(t.Weekday())) != 0
	switch {
	case domWildcard && dowWildcard:
		return true
	case domWildcard:
		return dowMatch
	case dowWildcard:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}
