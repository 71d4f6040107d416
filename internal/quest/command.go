package quest

import (
	"github.com/nous-labs/questbuddy/internal/protocol"
	"github.com/nous-labs/questbuddy/internal/store"
)

// Tool identifiers recognized on the wire.
const (
	VerbAddHabit      = "add_habit"
	VerbMarkHabitDone = "mark_habit_done"
	VerbGetStatus     = "get_status"
	VerbListHabits    = "list_habits"
	VerbRemoveHabit   = "remove_habit"
	VerbUndoLastEntry = "undo_last_entry"
)

// ArgHabitName is the argument carrying a quest name.
const ArgHabitName = "habitName"

// Command is a decoded tool call. The set of implementations is closed.
type Command interface {
	Verb() string
	command()
}

type (
	AddHabit      struct{ Name string }
	MarkHabitDone struct{ Name string }
	GetStatus     struct{}
	ListHabits    struct{}
	RemoveHabit   struct{ Name string }
	UndoLastEntry struct{ Name string }

	// Unrecognized carries a tool identifier outside the catalog.
	Unrecognized struct{ Tool string }
)

func (AddHabit) Verb() string { return VerbAddHabit }
func (MarkHabitDone) Verb() string { return VerbMarkHabitDone }
func (GetStatus) Verb() string { return VerbGetStatus }
func (ListHabits) Verb() string { return VerbListHabits }
func (RemoveHabit) Verb() string { return VerbRemoveHabit }
func (UndoLastEntry) Verb() string { return VerbUndoLastEntry }
func (c Unrecognized) Verb() string { return c.Tool }

func (AddHabit) command() {}
func (MarkHabitDone) command() {}
func (GetStatus) command() {}
func (ListHabits) command() {}
func (RemoveHabit) command() {}
func (UndoLastEntry) command() {}
func (Unrecognized) command() {}

// Decode maps a validated tool call onto its command. The habit name is
// normalized to lowercase; a missing or non-string name decodes as "".
func Decode(call protocol.ToolCall) Command {
	name, _ := call.String(ArgHabitName)
	name = store.NormalizeName(name)

	switch call.Name {
	case VerbAddHabit:
		return AddHabit{Name: name}
	case VerbMarkHabitDone:
		return MarkHabitDone{Name: name}
	case VerbGetStatus:
		return GetStatus{}
	case VerbListHabits:
		return ListHabits{}
	case VerbRemoveHabit:
		return RemoveHabit{Name: name}
	case VerbUndoLastEntry:
		return UndoLastEntry{Name: name}
	default:
		return Unrecognized{Tool: call.Name}
	}
}
