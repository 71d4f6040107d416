package progress

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestFromTotal(t *testing.T) {
	tests := []struct {
		entries int
		want    Snapshot
	}{
		{0, Snapshot{TotalEntries: 0, TotalXP: 0, Level: 1, XPIntoLevel: 0, XPToNext: 500}},
		{1, Snapshot{TotalEntries: 1, TotalXP: 50, Level: 1, XPIntoLevel: 50, XPToNext: 450}},
		{9, Snapshot{TotalEntries: 9, TotalXP: 450, Level: 1, XPIntoLevel: 450, XPToNext: 50}},
		{10, Snapshot{TotalEntries: 10, TotalXP: 500, Level: 2, XPIntoLevel: 0, XPToNext: 500}},
		{12, Snapshot{TotalEntries: 12, TotalXP: 600, Level: 2, XPIntoLevel: 100, XPToNext: 400}},
		{25, Snapshot{TotalEntries: 25, TotalXP: 1250, Level: 3, XPIntoLevel: 250, XPToNext: 250}},
	}
	for _, tt := range tests {
		got := FromTotal(tt.entries)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("FromTotal(%d) mismatch (-want +got):\n%s", tt.entries, diff)
		}
	}
}

func TestJustLevelled(t *testing.T) {
	assert.False(t, FromTotal(0).JustLevelled(), "zero entries is not a level-up")
	assert.True(t, FromTotal(10).JustLevelled())
	assert.False(t, FromTotal(11).JustLevelled())
}

func TestStreakGapStopsChain(t *testing.T) {
	now := mustTime(t, "2023-10-27T10:00:00Z")
	entries := []time.Time{
		mustTime(t, "2023-10-27T09:00:00Z"),
		mustTime(t, "2023-10-26T09:00:00Z"),
		mustTime(t, "2023-10-25T09:00:00Z"),
		mustTime(t, "2023-10-23T09:00:00Z"),
	}
	s := Compute(entries, now, time.UTC)
	assert.Equal(t, 3, s.Streak)
	assert.Equal(t, 4, s.TotalEntries)
	assert.Equal(t, 200, s.TotalXP)
}

func TestStreakSameDayDuplicates(t *testing.T) {
	now := mustTime(t, "2023-10-27T10:00:00Z")
	entries := []time.Time{
		mustTime(t, "2023-10-27T08:00:00Z"),
		mustTime(t, "2023-10-27T01:00:00Z"),
		mustTime(t, "2023-10-26T12:00:00Z"),
	}
	s := Compute(entries, now, time.UTC)
	assert.Equal(t, 2, s.Streak)
	assert.Equal(t, 3, s.TotalEntries)
}

func TestStreakEndingYesterday(t *testing.T) {
	now := mustTime(t, "2023-10-27T10:00:00Z")
	assert.Equal(t, 1, Streak([]time.Time{mustTime(t, "2023-10-26T23:59:00Z")}, now, time.UTC))
}

func TestStreakBrokenCombo(t *testing.T) {
	now := mustTime(t, "2023-10-27T10:00:00Z")
	entries := []time.Time{
		mustTime(t, "2023-10-25T10:00:00Z"),
		mustTime(t, "2023-10-24T10:00:00Z"),
	}
	assert.Equal(t, 0, Streak(entries, now, time.UTC))
	assert.Equal(t, 0, Streak(nil, now, time.UTC))
}

func TestStreakOutOfOrderInput(t *testing.T) {
	now := mustTime(t, "2023-10-27T10:00:00Z")
	entries := []time.Time{
		mustTime(t, "2023-10-25T10:00:00Z"),
		mustTime(t, "2023-10-27T07:00:00Z"),
		mustTime(t, "2023-10-26T10:00:00Z"),
	}
	assert.Equal(t, 3, Streak(entries, now, time.UTC))
}

func TestStreakUsesLocationForDay(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*60*60)
	// 2023-10-26T20:00Z is already the 27th in UTC+7.
	now := mustTime(t, "2023-10-27T03:00:00Z")
	entries := []time.Time{
		mustTime(t, "2023-10-26T20:00:00Z"),
		mustTime(t, "2023-10-26T02:00:00Z"),
	}
	assert.Equal(t, 2, Streak(entries, now, jakarta))
	assert.Equal(t, 1, Streak(entries, now, time.UTC))
}

func TestDayKey(t *testing.T) {
	ts := mustTime(t, "2023-10-26T20:00:00Z")
	assert.Equal(t, "2023-10-26", DayKey(ts, time.UTC))
	assert.Equal(t, "2023-10-27", DayKey(ts, time.FixedZone("WIB", 7*60*60)))
	assert.Equal(t, "2023-10-26", DayKey(ts, nil))
}

func TestUnlocked(t *testing.T) {
	tests := []struct {
		streak int
		want   []string
	}{
		{0, []string{}},
		{2, []string{}},
		{3, []string{"Bronze Combo"}},
		{7, []string{"Bronze Combo", "Silver Combo"}},
		{15, []string{"Bronze Combo", "Silver Combo", "Gold Combo"}},
		{30, []string{"Bronze Combo", "Silver Combo", "Gold Combo", "Mythic Combo"}},
	}
	for _, tt := range tests {
		got := Labels(Unlocked(tt.streak))
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Unlocked(%d) mismatch (-want +got):\n%s", tt.streak, diff)
		}
	}
}
