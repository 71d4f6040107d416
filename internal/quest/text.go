package quest

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nous-labs/questbuddy/internal/progress"
)

// Flavor tag pools.
var (
	UnlockFlavors      = []string{"[Quest Accepted]", "[Quest Unlocked]", "[Quest Log Updated]"}
	ClearFlavors       = []string{"[Quest Clear]", "[Combo Boost]", "[GG WP]"}
	AlreadyDoneFlavors = []string{"[Cooldown]", "[Daily Cap]", "[Rest Phase]"}
	RetireFlavors      = []string{"[Quest Retired]", "[Quest Archived]", "[Quest Closed]"}
	UndoFlavors        = []string{"[Time Rewind]", "[Quest Reset]", "[Undo Move]"}
)

// Fixed replies.
const (
	MsgStoreUnavailable = "The guild database is having trouble. Try again in a moment, adventurer."
	MsgLogEmpty         = "Your quest log is empty. Add a new quest with `add [habit name]`."
	MsgNothingToUndo    = "There is no progress to rewind for that quest."

	usageAdd    = "Quest failed: name the new quest.\nExample: `add running`"
	usageDone   = "Quest failed: name the quest to mark as clear.\nExample: `done running`"
	usageRemove = "Quest failed: name the quest to retire.\nExample: `remove running`"
	usageUndo   = "Quest failed: name the quest to rewind.\nExample: `undo running`"
)

// Pick chooses one flavor from pool using rnd, which returns an index in
// [0, n). An empty pool yields "".
func Pick(pool []string, rnd func(n int) int) string {
	if len(pool) == 0 {
		return ""
	}
	i := rnd(len(pool))
	if i < 0 || i >= len(pool) {
		i = 0
	}
	return pool[i]
}

// Title capitalizes the first letter of each space-separated word.
func Title(name string) string {
	words := strings.Split(name, " ")
	out := words[:0]
	for _, w := range words {
		if w == "" {
			continue
		}
		r, size := utf8.DecodeRuneInString(w)
		out = append(out, string(unicode.ToUpper(r))+w[size:])
	}
	return strings.Join(out, " ")
}

func notFound(name string) string {
	return fmt.Sprintf(`Quest "%s" was not found in your log.`, Title(name))
}

func unknownTool(tool string) string {
	return fmt.Sprintf(`Tool "%s" is not available in the quest log yet.`, tool)
}

// comboLine describes the streak in a full sentence.
func comboLine(streak int) string {
	if streak == 0 {
		return "Combo not active yet. Clear a quest today to start a streak."
	}
	return fmt.Sprintf("Combo streak %dx active.", streak)
}

func badgeLine(streak int) string {
	labels := progress.Labels(progress.Unlocked(streak))
	if len(labels) == 0 {
		return "No combo badge yet."
	}
	return fmt.Sprintf("Active badges: %s.", strings.Join(labels, ", "))
}

// nextLevelLine is the XP outlook shown after a clear.
func nextLevelLine(s progress.Snapshot) string {
	switch {
	case s.TotalEntries == 0:
		return "This quest is still waiting for its first XP."
	case s.JustLevelled():
		return fmt.Sprintf("Just levelled up! Next target is %d more XP.", progress.XPPerLevel)
	default:
		return fmt.Sprintf("%d XP to level %d.", s.XPToNext, s.Level+1)
	}
}

// statusLine is one row of the get_status report.
func statusLine(name string, s progress.Snapshot) string {
	combo := "No combo yet"
	if s.Streak > 0 {
		combo = fmt.Sprintf("Combo %dx", s.Streak)
	}
	var xp string
	switch {
	case s.TotalEntries == 0:
		xp = "Needs one clear to earn XP."
	case s.JustLevelled():
		xp = fmt.Sprintf("Just levelled up! %d XP to the next level.", progress.XPPerLevel)
	default:
		xp = fmt.Sprintf("%d XP to level %d.", s.XPToNext, s.Level+1)
	}
	return fmt.Sprintf("- %s: Lv %d | %d XP | %s. %s %s",
		Title(name), s.Level, s.TotalXP, combo, badgeLine(s.Streak), xp)
}
