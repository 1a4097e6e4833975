package taskengine

import (
	"testing"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
)

// Testable Property 11 (first half): "0 0 * * *" in UTC from
// 2026-02-15T17:00:00Z lands on the next midnight.
func TestComputeNextCronOccurrence_DailyMidnightUTC(t *testing.T) {
	from := time.Date(2026, 2, 15, 17, 0, 0, 0, time.UTC)
	next, err := computeNextCronOccurrence("0 0 * * *", "UTC", from)
	require.NoError(t, err)
	require.True(t, next.Equal(time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)), "got %s", next)
}

// Testable Property 11 (second half): "*/15 * * * *" in America/Los_Angeles
// keeps landing on :00/:15/:30/:45 of the local hour straddling the spring
// DST transition (2026-03-08, 02:00 -> 03:00 local), where one gap widens to
// absorb the skipped hour instead of producing a nonexistent local time.
func TestComputeNextCronOccurrence_QuarterHourAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	cur := time.Date(2026, 3, 8, 1, 30, 0, 0, loc).UTC()
	var occurrences []time.Time
	for i := 0; i < 10; i++ {
		next, err := computeNextCronOccurrence("*/15 * * * *", "America/Los_Angeles", cur)
		require.NoError(t, err)
		occurrences = append(occurrences, next)
		cur = next
	}

	sawJump := false
	for i, occ := range occurrences {
		local := occ.In(loc)
		require.Contains(t, []int{0, 15, 30, 45}, local.Minute())
		if i > 0 {
			gap := occ.Sub(occurrences[i-1])
			require.Positive(t, gap)
			if gap != 15*time.Minute {
				sawJump = true
			}
		}
	}
	require.True(t, sawJump, "expected one widened gap across the DST transition, got %v", occurrences)
}

func TestComputeNextCronOccurrence_RejectsWrongFieldCount(t *testing.T) {
	_, err := computeNextCronOccurrence("0 0 * *", "UTC", time.Now())
	require.Error(t, err)
}

func TestComputeNextCronOccurrence_RejectsUnknownTimezone(t *testing.T) {
	_, err := computeNextCronOccurrence("0 0 * * *", "Nowhere/Imaginary", time.Now())
	require.Error(t, err)
}

// Direct table test of the DOM/DOW wildcard rule (§4.7.2), independent of
// search machinery: a Monday that is also the 1st of the month, and a
// Tuesday that is neither.
func TestCronFieldsMatch_DomDowWildcardRule(t *testing.T) {
	sched, err := cronParser.Parse("0 0 1 * 1")
	require.NoError(t, err)
	spec := sched.(*cronlib.SpecSchedule)

	monFirst := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) // Monday, the 1st
	tueSecond := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)

	// both wildcard: AND of two always-true fields, always matches.
	require.True(t, cronFieldsMatch(spec, true, true, tueSecond))
	// dom wildcard: result is whatever dow alone says.
	require.True(t, cronFieldsMatch(spec, true, false, monFirst))
	require.False(t, cronFieldsMatch(spec, true, false, tueSecond))
	// dow wildcard: result is whatever dom alone says.
	require.True(t, cronFieldsMatch(spec, false, true, monFirst))
	require.False(t, cronFieldsMatch(spec, false, true, tueSecond))
	// neither wildcard: union — the 1st matches even though it isn't Monday's
	// pattern target by itself, and Monday doesn't match when it isn't the 1st.
	require.True(t, cronFieldsMatch(spec, false, false, monFirst))
	require.False(t, cronFieldsMatch(spec, false, false, tueSecond))
}
