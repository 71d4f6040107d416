// Package store persists habits, their completion entries and a small
// key/value table. SQLite is the default backend; Postgres is available
// for shared deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrHabitExists is returned by AddHabit for a duplicate name.
	ErrHabitExists = errors.New("habit already exists")
	// ErrHabitNotFound is returned by MarkDone for an unknown habit.
	ErrHabitNotFound = errors.New("habit not found")
)

// Habit is a quest owned by one user. Name is always lowercase.
type Habit struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the query surface the quest dispatcher needs.
//
// Day arguments are calendar dates formatted YYYY-MM-DD. The caller decides
// which location defines a day; the store only compares the strings.
type Store interface {
	AddHabit(ctx context.Context, userID, name string) (*Habit, error)
	// FindHabit returns nil without error when the habit does not exist.
	FindHabit(ctx context.Context, userID, name string) (*Habit, error)
	// RemoveHabit deletes the habit and its entries.
	RemoveHabit(ctx context.Context, userID, name string) (bool, error)
	// ListHabits returns the user's habits ordered by name.
	ListHabits(ctx context.Context, userID string) ([]Habit, error)
	// ListUsers returns every user owning at least one habit.
	ListUsers(ctx context.Context) ([]string, error)

	HasEntryForDate(ctx context.Context, habitID int64, day string) (bool, error)
	InsertEntry(ctx context.Context, habitID int64, at time.Time, day string) error
	// MarkDone inserts an entry unless one already exists for day. The check
	// and the insert are one atomic operation. It reports whether a new entry
	// was written.
	MarkDone(ctx context.Context, habitID int64, at time.Time, day string) (bool, error)
	ListEntries(ctx context.Context, habitID int64) ([]time.Time, error)
	// DeleteMostRecentEntry removes the entry with the latest timestamp.
	DeleteMostRecentEntry(ctx context.Context, habitID int64) (bool, error)

	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, value string) error

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	PostgresURL string `json:"postgres_url,omitempty" yaml:"postgres_url,omitempty"`
}

// Open connects to the configured backend and initializes its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		if cfg.SQLitePath == "" {
			return nil, errors.New("store: sqlite_path is required")
		}
		return OpenSQLite(ctx, cfg.SQLitePath)
	case "postgres", "postgresql", "pg":
		if cfg.PostgresURL == "" {
			return nil, errors.New("store: postgres_url is required")
		}
		return OpenPostgres(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// NormalizeName is the canonical form of a habit name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}
