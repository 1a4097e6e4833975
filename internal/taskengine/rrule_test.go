package taskengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Testable Property 12.
func TestComputeNextRRuleOccurrence_MonthlyFirstMondayAt9(t *testing.T) {
	spec := "DTSTART;TZID=UTC:20260105T090000\nRRULE:FREQ=MONTHLY;BYDAY=MO;BYSETPOS=1;BYHOUR=9"
	from := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	next, err := computeNextRRuleOccurrence(spec, from)
	require.NoError(t, err)
	require.True(t, next.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)), "got %s", next)
}

func TestComputeNextRRuleOccurrence_ExhaustedRecurrenceErrors(t *testing.T) {
	spec := "DTSTART;TZID=UTC:20260101T090000\nRRULE:FREQ=DAILY;COUNT=1"
	from := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := computeNextRRuleOccurrence(spec, from)
	require.Error(t, err)
}

func TestComputeNextRRuleOccurrence_RejectsMalformedSpec(t *testing.T) {
	_, err := computeNextRRuleOccurrence("not an rrule", time.Now())
	require.Error(t, err)
}
