// Package schedule computes recurrence instants for recache schedules and
// drives per-project timers, the overdue heartbeat, and whole-project batch
// runs.
package schedule

import (
	"sort"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/projcfg"
)

var weekdayByToken = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday, "sun": time.Sunday,
}

// NextRun computes the next firing instant for a schedule, strictly after
// anchor+minLead where anchor is max(now, lastRunAt). Returns false when the
// schedule is disabled or cannot produce an instant.
func NextRun(s *projcfg.Schedule, now time.Time, minLead time.Duration, loc *time.Location) (time.Time, bool) {
	if s == nil || !s.Enabled {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	anchor := now
	if s.LastRunAt != "" {
		if last, err := time.Parse(projcfg.TimeFormat, s.LastRunAt); err == nil && last.After(anchor) {
			anchor = last
		}
	}
	threshold := anchor.Add(minLead)

	switch s.Mode {
	case "weekly":
		return nextWeekly(s.Weekly, threshold, loc)
	case "monthly":
		return nextMonthly(s.Monthly, threshold, loc)
	case "yearly":
		return nextYearly(s.Yearly, threshold, loc)
	}
	return time.Time{}, false
}

func parseClock(s string) (hour, minute int, ok bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

func nextWeekly(spec *projcfg.WeeklySpec, threshold time.Time, loc *time.Location) (time.Time, bool) {
	if spec == nil || len(spec.Days) == 0 {
		return time.Time{}, false
	}
	hour, minute, ok := parseClock(spec.Time)
	if !ok {
		return time.Time{}, false
	}

	ref := threshold.In(loc)
	var candidates []time.Time
	for _, token := range spec.Days {
		wd, ok := weekdayByToken[token]
		if !ok {
			continue
		}
		delta := (int(wd) - int(ref.Weekday()) + 7) % 7
		day := ref.AddDate(0, 0, delta)
		at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if !at.After(threshold) {
			at = at.AddDate(0, 0, 7)
		}
		candidates = append(candidates, at)
	}
	return earliest(candidates)
}

func nextMonthly(spec *projcfg.MonthlySpec, threshold time.Time, loc *time.Location) (time.Time, bool) {
	if spec == nil || len(spec.Days) == 0 {
		return time.Time{}, false
	}
	hour, minute, ok := parseClock(spec.Time)
	if !ok {
		return time.Time{}, false
	}

	ref := threshold.In(loc)
	var candidates []time.Time
	for offset := 0; offset < 14; offset++ {
		month := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, offset, 0)
		for _, day := range spec.Days {
			at := time.Date(month.Year(), month.Month(), clampDay(day, month.Year(), month.Month()), hour, minute, 0, 0, loc)
			if at.After(threshold) {
				candidates = append(candidates, at)
			}
		}
	}
	return earliest(candidates)
}

func nextYearly(spec *projcfg.YearlySpec, threshold time.Time, loc *time.Location) (time.Time, bool) {
	if spec == nil || len(spec.Occurrences) == 0 {
		return time.Time{}, false
	}
	ref := threshold.In(loc)
	var candidates []time.Time
	for yearOffset := 0; yearOffset < 3; yearOffset++ {
		year := ref.Year() + yearOffset
		for _, occ := range spec.Occurrences {
			hour, minute, ok := parseClock(occ.Time)
			if !ok || occ.Month < 1 || occ.Month > 12 {
				continue
			}
			month := time.Month(occ.Month)
			at := time.Date(year, month, clampDay(occ.Day, year, month), hour, minute, 0, 0, loc)
			if at.After(threshold) {
				candidates = append(candidates, at)
			}
		}
	}
	return earliest(candidates)
}

// clampDay limits a day-of-month to the month's actual length, so a
// "31st of every month" schedule still fires in February.
func clampDay(day, year int, month time.Month) int {
	if day < 1 {
		return 1
	}
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

func earliest(candidates []time.Time) (time.Time, bool) {
	if len(candidates) == 0 {
		return time.Time{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	return candidates[0], true
}

// Finalize recomputes nextRunAt for every schedule in a config based on its
// current enabled state, and clears it on disabled schedules. Wired as the
// config service's pre-persist hook.
func Finalize(cfg *projcfg.ProjectConfig, now time.Time, minLead time.Duration, loc *time.Location) {
	finalizeOne := func(s *projcfg.Schedule) {
		if s == nil {
			return
		}
		s.History = projcfg.TrimHistory(s.History)
		if next, ok := NextRun(s, now, minLead, loc); ok {
			s.NextRunAt = next.UTC().Format(projcfg.TimeFormat)
		} else {
			s.NextRunAt = ""
		}
	}
	for _, entries := range []map[string]*projcfg.TargetEntry{cfg.Layers, cfg.Themes} {
		for _, e := range entries {
			if e != nil {
				finalizeOne(e.Schedule)
			}
		}
	}
	finalizeOne(cfg.Recache.Schedule)
}
