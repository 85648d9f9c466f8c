package schedule

import (
	"testing"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var utc = time.UTC

func weekly(days []string, at string) *projcfg.Schedule {
	return &projcfg.Schedule{
		Enabled: true,
		Mode:    "weekly",
		Weekly:  &projcfg.WeeklySpec{Days: days, Time: at},
	}
}

func TestNextRunWeekly(t *testing.T) {
	// Sat 2025-06-07 18:00 UTC.
	now := time.Date(2025, 6, 7, 18, 0, 0, 0, utc)

	next, ok := NextRun(weekly([]string{"mon"}, "02:00"), now, 5*time.Second, utc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 9, 2, 0, 0, 0, utc), next)
}

func TestNextRunWeeklyJustBeforeFiring(t *testing.T) {
	// Sun 23:59:30 with a sun 23:59 schedule: too late today, next Sunday.
	now := time.Date(2025, 6, 8, 23, 59, 30, 0, utc) // Sunday
	next, ok := NextRun(weekly([]string{"sun"}, "23:59"), now, 5*time.Second, utc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 15, 23, 59, 0, 0, utc), next)
}

func TestNextRunWeeklyPicksEarliestDay(t *testing.T) {
	now := time.Date(2025, 6, 7, 18, 0, 0, 0, utc) // Saturday
	next, ok := NextRun(weekly([]string{"fri", "mon"}, "02:00"), now, 5*time.Second, utc)
	require.True(t, ok)
	assert.Equal(t, time.Weekday(time.Monday), next.Weekday())
}

func TestNextRunMonthlyClampsFebruary(t *testing.T) {
	s := &projcfg.Schedule{
		Enabled: true,
		Mode:    "monthly",
		Monthly: &projcfg.MonthlySpec{Days: []int{31}, Time: "01:30"},
	}
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, utc)
	next, ok := NextRun(s, now, 5*time.Second, utc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 2, 28, 1, 30, 0, 0, utc), next)

	// Leap year clamps to the 29th.
	now = time.Date(2028, 2, 1, 0, 0, 0, 0, utc)
	next, ok = NextRun(s, now, 5*time.Second, utc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2028, 2, 29, 1, 30, 0, 0, utc), next)
}

func TestNextRunYearly(t *testing.T) {
	s := &projcfg.Schedule{
		Enabled: true,
		Mode:    "yearly",
		Yearly: &projcfg.YearlySpec{Occurrences: []projcfg.YearlyOccurrence{
			{Month: 1, Day: 15, Time: "04:00"},
			{Month: 7, Day: 1, Time: "04:00"},
		}},
	}
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, utc)
	next, ok := NextRun(s, now, 5*time.Second, utc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 7, 1, 4, 0, 0, 0, utc), next)
}

func TestNextRunAnchorsOnLastRun(t *testing.T) {
	s := weekly([]string{"sat"}, "18:00")
	now := time.Date(2025, 6, 7, 18, 0, 30, 0, utc) // just ran
	s.LastRunAt = now.Format(projcfg.TimeFormat)

	next, ok := NextRun(s, now.Add(-time.Minute), 5*time.Second, utc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 14, 18, 0, 0, 0, utc), next,
		"a just-completed run must not immediately re-trigger")
}

func TestNextRunDisabled(t *testing.T) {
	s := weekly([]string{"mon"}, "02:00")
	s.Enabled = false
	_, ok := NextRun(s, time.Now(), 5*time.Second, utc)
	assert.False(t, ok)
}

func TestNextRunMonotone(t *testing.T) {
	s := weekly([]string{"mon", "thu"}, "06:00")
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, utc)

	prev, ok := NextRun(s, base, 5*time.Second, utc)
	require.True(t, ok)
	for i := 1; i <= 200; i++ {
		now := base.Add(time.Duration(i) * 4 * time.Hour)
		next, ok := NextRun(s, now, 5*time.Second, utc)
		require.True(t, ok)
		assert.False(t, next.Before(prev), "advancing now moved nextRunAt backwards: %v < %v", next, prev)
		prev = next
	}
}

func TestNextRunAlwaysBeyondMinLead(t *testing.T) {
	s := weekly([]string{"mon"}, "02:00")
	minLead := 5 * time.Second
	for day := 0; day < 8; day++ {
		now := time.Date(2025, 6, 9, 1, 59, 58, 0, utc).AddDate(0, 0, day)
		next, ok := NextRun(s, now, minLead, utc)
		require.True(t, ok)
		assert.True(t, next.After(now.Add(minLead)))
	}
}

func TestFinalizeRecomputesAndClears(t *testing.T) {
	cfg := projcfg.Default("orto")
	entry := cfg.EnsureEntry("layer", "parcels")
	entry.Schedule = weekly([]string{"mon"}, "02:00")
	disabled := weekly([]string{"tue"}, "03:00")
	disabled.Enabled = false
	disabled.NextRunAt = "2025-01-01T03:00:00Z"
	cfg.Recache.Schedule = disabled

	now := time.Date(2025, 6, 7, 18, 0, 0, 0, utc)
	Finalize(cfg, now, 5*time.Second, utc)

	assert.Equal(t, "2025-06-09T02:00:00Z", cfg.Layers["parcels"].Schedule.NextRunAt)
	assert.Empty(t, cfg.Recache.Schedule.NextRunAt, "disabled schedule cleared")
}
