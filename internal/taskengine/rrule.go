package taskengine

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// computeNextRRuleOccurrence returns the first occurrence strictly after
// from. rruleSpec is the multi-line RFC 5545 blob stored on the task
// (DTSTART;TZID=...: line plus an RRULE: line), the shape
// rrule.StrToRRuleSet expects directly (§4.7.2's "recurrence library").
func computeNextRRuleOccurrence(rruleSpec string, from time.Time) (time.Time, error) {
	set, err := rrule.StrToRRuleSet(rruleSpec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse rrule %q: %w", rruleSpec, err)
	}
	next := set.After(from, false)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("rrule %q: recurrence exhausted after %s", rruleSpec, from)
	}
	return next.UTC(), nil
}
