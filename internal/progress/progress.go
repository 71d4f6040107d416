// Package progress derives quest progression from a habit's raw completion
// timestamps: combo streak, XP, level and unlocked badges.
//
// Everything here is pure. Callers supply the evaluation instant and the
// location that defines a calendar day, so the same inputs always produce
// the same snapshot.
package progress

import (
	"sort"
	"time"
)

const (
	// XPPerClear is awarded for every recorded completion.
	XPPerClear = 50
	// XPPerLevel is the width of one level band.
	XPPerLevel = 500
)

// Snapshot is the derived progress of one habit. It is never persisted.
type Snapshot struct {
	Streak       int `json:"streak"`
	TotalEntries int `json:"total_entries"`
	TotalXP      int `json:"total_xp"`
	Level        int `json:"level"`
	XPIntoLevel  int `json:"xp_into_level"`
	XPToNext     int `json:"xp_to_next"`
}

// Compute builds a Snapshot from every entry timestamp of a habit.
// Same-day duplicates count once toward the streak but each one earns XP.
func Compute(entries []time.Time, now time.Time, loc *time.Location) Snapshot {
	s := FromTotal(len(entries))
	s.Streak = Streak(entries, now, loc)
	return s
}

// FromTotal fills the XP and level fields for a raw entry count.
// Streak is left at zero.
func FromTotal(totalEntries int) Snapshot {
	if totalEntries < 0 {
		totalEntries = 0
	}
	xp := totalEntries * XPPerClear
	into := xp % XPPerLevel
	next := XPPerLevel - into
	if totalEntries == 0 || into == 0 {
		next = XPPerLevel
	}
	return Snapshot{
		TotalEntries: totalEntries,
		TotalXP:      xp,
		Level:        xp/XPPerLevel + 1,
		XPIntoLevel:  into,
		XPToNext:     next,
	}
}

// JustLevelled reports whether the snapshot sits exactly on a level boundary
// with at least one clear recorded.
func (s Snapshot) JustLevelled() bool {
	return s.TotalEntries > 0 && s.XPIntoLevel == 0
}

// Day truncates t to its calendar date in loc. The result is midnight UTC
// of that date so days compare with Equal and step with AddDate regardless
// of DST transitions in loc.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayKey is the ISO date (YYYY-MM-DD) of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return Day(t, loc).Format(time.DateOnly)
}

// Streak counts consecutive calendar days with at least one entry, walking
// back from the most recent day. The chain must end today or yesterday,
// otherwise the combo is broken and the streak is zero.
func Streak(entries []time.Time, now time.Time, loc *time.Location) int {
	if len(entries) == 0 {
		return 0
	}

	seen := make(map[time.Time]struct{}, len(entries))
	days := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		d := Day(e, loc)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })

	today := Day(now, loc)
	yesterday := today.AddDate(0, 0, -1)
	if !days[0].Equal(today) && !days[0].Equal(yesterday) {
		return 0
	}

	streak := 1
	want := days[0].AddDate(0, 0, -1)
	for _, d := range days[1:] {
		if !d.Equal(want) {
			break
		}
		streak++
		want = want.AddDate(0, 0, -1)
	}
	return streak
}
