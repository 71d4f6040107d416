// Package quest executes tool calls against the habit store and renders
// the results as quest-flavored replies.
package quest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nous-labs/questbuddy/internal/progress"
	"github.com/nous-labs/questbuddy/internal/protocol"
	"github.com/nous-labs/questbuddy/internal/store"
)

// Store is the subset of store.Store the dispatcher uses.
type Store interface {
	AddHabit(ctx context.Context, userID, name string) (*store.Habit, error)
	FindHabit(ctx context.Context, userID, name string) (*store.Habit, error)
	RemoveHabit(ctx context.Context, userID, name string) (bool, error)
	ListHabits(ctx context.Context, userID string) ([]store.Habit, error)
	MarkDone(ctx context.Context, habitID int64, at time.Time, day string) (bool, error)
	ListEntries(ctx context.Context, habitID int64) ([]time.Time, error)
	DeleteMostRecentEntry(ctx context.Context, habitID int64) (bool, error)
}

// Dispatcher runs quest commands for one process. It is safe for
// concurrent use when its Store is.
type Dispatcher struct {
	store Store
	now   func() time.Time
	loc   *time.Location
	rnd   func(n int) int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLocation sets the location whose calendar defines "today".
func WithLocation(loc *time.Location) Option {
	return func(d *Dispatcher) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// WithRand overrides the flavor picker's random source.
func WithRand(rnd func(n int) int) Option {
	return func(d *Dispatcher) { d.rnd = rnd }
}

// NewDispatcher creates a dispatcher over s.
func NewDispatcher(s Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store: s,
		now:   time.Now,
		loc:   time.UTC,
		rnd:   rand.IntN,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Location returns the calendar location in use.
func (d *Dispatcher) Location() *time.Location { return d.loc }

// Execute decodes and runs a tool call. It never fails: store errors are
// logged and replaced by a generic retry message.
func (d *Dispatcher) Execute(ctx context.Context, call protocol.ToolCall, userID string) string {
	return d.Run(ctx, Decode(call), userID)
}

// Run executes an already decoded command.
func (d *Dispatcher) Run(ctx context.Context, cmd Command, userID string) string {
	slog.Info("executing tool", "tool", cmd.Verb(), "user", userID)

	reply, err := d.run(ctx, cmd, userID)
	if err != nil {
		slog.Error("store error during dispatch",
			"tool", cmd.Verb(),
			"user", userID,
			"error", err,
		)
		return MsgStoreUnavailable
	}
	return reply
}

func (d *Dispatcher) run(ctx context.Context, cmd Command, userID string) (string, error) {
	switch c := cmd.(type) {
	case AddHabit:
		return d.addHabit(ctx, userID, c.Name)
	case MarkHabitDone:
		return d.markDone(ctx, userID, c.Name)
	case GetStatus:
		return d.status(ctx, userID)
	case ListHabits:
		return d.list(ctx, userID)
	case RemoveHabit:
		return d.remove(ctx, userID, c.Name)
	case UndoLastEntry:
		return d.undo(ctx, userID, c.Name)
	case Unrecognized:
		slog.Warn("unknown tool called", "tool", c.Tool, "user", userID)
		return unknownTool(c.Tool), nil
	default:
		return "", fmt.Errorf("unhandled command %T", cmd)
	}
}

func (d *Dispatcher) addHabit(ctx context.Context, userID, name string) (string, error) {
	if name == "" {
		return usageAdd, nil
	}
	exists := fmt.Sprintf(`Quest "%s" is already in your log. Focus on pushing its combo!`, Title(name))

	existing, err := d.store.FindHabit(ctx, userID, name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return exists, nil
	}
	if _, err := d.store.AddHabit(ctx, userID, name); err != nil {
		if errors.Is(err, store.ErrHabitExists) {
			return exists, nil
		}
		return "", err
	}
	return fmt.Sprintf(`%s Quest "%s" is now open. Start earning your first XP today!`,
		Pick(UnlockFlavors, d.rnd), Title(name)), nil
}

func (d *Dispatcher) markDone(ctx context.Context, userID, name string) (string, error) {
	if name == "" {
		return usageDone, nil
	}
	habit, err := d.store.FindHabit(ctx, userID, name)
	if err != nil {
		return "", err
	}
	if habit == nil {
		return notFound(name), nil
	}

	now := d.now()
	inserted, err := d.store.MarkDone(ctx, habit.ID, now, progress.DayKey(now, d.loc))
	if errors.Is(err, store.ErrHabitNotFound) {
		return notFound(name), nil
	}
	if err != nil {
		return "", err
	}
	snap, err := d.snapshot(ctx, habit.ID, now)
	if err != nil {
		return "", err
	}

	title := Title(name)
	tail := strings.Join([]string{comboLine(snap.Streak), badgeLine(snap.Streak), nextLevelLine(snap)}, " ")
	if !inserted {
		return fmt.Sprintf(`%s Quest "%s" is already clear today. %s`,
			Pick(AlreadyDoneFlavors, d.rnd), title, tail), nil
	}
	return fmt.Sprintf(`%s Quest "%s" clear! +%d XP (Total %d XP). Level %d. %s`,
		Pick(ClearFlavors, d.rnd), title, progress.XPPerClear, snap.TotalXP, snap.Level, tail), nil
}

func (d *Dispatcher) status(ctx context.Context, userID string) (string, error) {
	report, err := d.Report(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(report) == 0 {
		return MsgLogEmpty, nil
	}
	lines := make([]string, 0, len(report)+1)
	lines = append(lines, "[Quest Log]")
	for _, q := range report {
		lines = append(lines, statusLine(q.Name, q.Snapshot))
	}
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) list(ctx context.Context, userID string) (string, error) {
	habits, err := d.store.ListHabits(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(habits) == 0 {
		return MsgLogEmpty, nil
	}
	var b strings.Builder
	b.WriteString("[Quest List]")
	for i, h := range habits {
		fmt.Fprintf(&b, "\n%d. %s", i+1, Title(h.Name))
	}
	return b.String(), nil
}

func (d *Dispatcher) remove(ctx context.Context, userID, name string) (string, error) {
	if name == "" {
		return usageRemove, nil
	}
	ok, err := d.store.RemoveHabit(ctx, userID, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return notFound(name), nil
	}
	return fmt.Sprintf(`%s Quest "%s" moved to the guild archive. Ready to open a new quest!`,
		Pick(RetireFlavors, d.rnd), Title(name)), nil
}

func (d *Dispatcher) undo(ctx context.Context, userID, name string) (string, error) {
	if name == "" {
		return usageUndo, nil
	}
	habit, err := d.store.FindHabit(ctx, userID, name)
	if err != nil {
		return "", err
	}
	if habit == nil {
		return notFound(name), nil
	}
	ok, err := d.store.DeleteMostRecentEntry(ctx, habit.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		return MsgNothingToUndo, nil
	}
	snap, err := d.snapshot(ctx, habit.ID, d.now())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s Last progress on quest "%s" was undone. Now Lv %d with %d XP. %s`,
		Pick(UndoFlavors, d.rnd), Title(name), snap.Level, snap.TotalXP, comboLine(snap.Streak)), nil
}

// QuestProgress is one habit with its derived progress.
type QuestProgress struct {
	Name     string            `json:"name"`
	Title    string            `json:"title"`
	Snapshot progress.Snapshot `json:"progress"`
	Badges   []progress.Badge  `json:"badges"`
}

// Report computes progress for every habit of userID, ordered by name.
func (d *Dispatcher) Report(ctx context.Context, userID string) ([]QuestProgress, error) {
	habits, err := d.store.ListHabits(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := d.now()
	out := make([]QuestProgress, 0, len(habits))
	for _, h := range habits {
		snap, err := d.snapshot(ctx, h.ID, now)
		if err != nil {
			return nil, err
		}
		out = append(out, QuestProgress{
			Name:     h.Name,
			Title:    Title(h.Name),
			Snapshot: snap,
			Badges:   progress.Unlocked(snap.Streak),
		})
	}
	return out, nil
}

func (d *Dispatcher) snapshot(ctx context.Context, habitID int64, now time.Time) (progress.Snapshot, error) {
	entries, err := d.store.ListEntries(ctx, habitID)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return progress.Compute(entries, now, d.loc), nil
}
