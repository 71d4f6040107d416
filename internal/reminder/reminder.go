// Package reminder sends each user a daily nudge listing their open quests.
//
// The worker sleeps until the configured wall-clock time in the configured
// location, runs one cycle, then schedules the next day. Delivery goes
// through a Notifier so the worker never needs to know which channel a
// user is reachable on.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/questbuddy/internal/quest"
	"github.com/nous-labs/questbuddy/internal/store"
)

// ErrNoRoute is returned by a Notifier that has never seen the user.
var ErrNoRoute = errors.New("no route to user")

// Store is the read surface the worker needs.
type Store interface {
	ListUsers(ctx context.Context) ([]string, error)
	ListHabits(ctx context.Context, userID string) ([]store.Habit, error)
}

// Notifier delivers text to a user on whatever channel they last used.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// EventFunc publishes worker events. Parameters: event type, message.
type EventFunc func(typ, message string)

// Report holds the results of a single reminder cycle.
type Report struct {
	Cycle     int       `json:"cycle"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Users     int       `json:"users"`
	Sent      int       `json:"sent"`
	Skipped   int       `json:"skipped"` // no route or no habits
	Errors    []string  `json:"errors,omitempty"`
}

// Config holds reminder schedule settings.
type Config struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// DefaultConfig fires at 08:00 UTC.
func DefaultConfig() Config {
	return Config{Hour: 8, Minute: 0, Location: time.UTC}
}

// Worker is the reminder background worker.
type Worker struct {
	store    Store
	notifier Notifier
	onEvent  EventFunc

	hour   int
	minute int
	loc    *time.Location
	now    func() time.Time

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewWorker creates a reminder worker. Out-of-range times fall back to
// the defaults.
func NewWorker(s Store, n Notifier, onEvent EventFunc, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Hour < 0 || cfg.Hour > 23 {
		cfg.Hour = def.Hour
	}
	if cfg.Minute < 0 || cfg.Minute > 59 {
		cfg.Minute = def.Minute
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	return &Worker{
		store:    s,
		notifier: n,
		onEvent:  onEvent,
		hour:     cfg.Hour,
		minute:   cfg.Minute,
		loc:      cfg.Location,
		now:      time.Now,
	}
}

// NextRun returns the first hour:minute in loc strictly after now.
func NextRun(now time.Time, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return next
}

// Run schedules a cycle every day. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("reminder worker started",
		"at", fmt.Sprintf("%02d:%02d", w.hour, w.minute),
		"location", w.loc.String(),
	)
	w.emit("status", "Reminder worker started")

	for {
		now := w.now()
		next := NextRun(now, w.hour, w.minute, w.loc)
		slog.Debug("reminder: next run scheduled", "at", next)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("reminder worker stopping")
			return
		case <-timer.C:
			if report := w.RemindOnce(ctx); report != nil {
				w.logReport(report)
			}
		}
	}
}

// RemindOnce runs a single reminder cycle over every user with habits.
func (w *Worker) RemindOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	start := time.Now()
	report := &Report{Cycle: cycle, StartedAt: start}

	users, err := w.store.ListUsers(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list users: %v", err))
		slog.Warn("reminder: list users failed", "error", err)
	}
	report.Users = len(users)

	for _, user := range users {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err().Error())
			break
		}
		w.remindUser(ctx, user, report)
	}

	report.Duration = time.Since(start).Round(time.Millisecond).String()

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()

	return report
}

func (w *Worker) remindUser(ctx context.Context, user string, report *Report) {
	habits, err := w.store.ListHabits(ctx, user)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list habits %s: %v", user, err))
		return
	}
	if len(habits) == 0 {
		report.Skipped++
		return
	}

	err = w.notifier.Notify(ctx, user, Message(habits))
	switch {
	case errors.Is(err, ErrNoRoute):
		slog.Warn("reminder: no known channel for user", "user", user)
		report.Skipped++
	case err != nil:
		slog.Error("reminder: delivery failed", "user", user, "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("notify %s: %v", user, err))
	default:
		report.Sent++
	}
}

// Message renders the reminder text for a user's habits.
func Message(habits []store.Habit) string {
	var b strings.Builder
	b.WriteString("Good morning! Don't forget today's quests:\n")
	for _, h := range habits {
		b.WriteString("\n> • ")
		b.WriteString(quest.Title(h.Name))
	}
	return b.String()
}

// LastReport returns the most recent cycle report, or nil.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Worker) logReport(r *Report) {
	summary := fmt.Sprintf("Reminder cycle %d complete (%s): %d users, %d sent, %d skipped",
		r.Cycle, r.Duration, r.Users, r.Sent, r.Skipped)
	if len(r.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(r.Errors))
	}
	slog.Info("reminder: cycle complete", "summary", summary)
	w.emit("reminder", summary)
}

func (w *Worker) emit(typ, message string) {
	if w.onEvent != nil {
		w.onEvent(typ, message)
	}
}
