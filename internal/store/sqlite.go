package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS habits (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	habit_name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (user_id, habit_name)
);

CREATE TABLE IF NOT EXISTS habit_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	habit_id   INTEGER NOT NULL REFERENCES habits(id) ON DELETE CASCADE,
	entry_date TEXT NOT NULL,
	entry_day  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_habit_entries_day ON habit_entries (habit_id, entry_day);

CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLite is the default Store backend.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	// WAL for concurrent readers; foreign keys for entry cascade.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open habit db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping habit db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init habit schema: %w", err)
	}

	slog.Info("habit store opened", "driver", "sqlite", "path", path)
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) AddHabit(ctx context.Context, userID, name string) (*Habit, error) {
	name = NormalizeName(name)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO habits (user_id, habit_name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, habit_name) DO NOTHING`,
		userID, name, formatTS(now),
	)
	if err != nil {
		return nil, fmt.Errorf("add habit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrHabitExists
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("add habit id: %w", err)
	}
	return &Habit{ID: id, UserID: userID, Name: name, CreatedAt: now}, nil
}

func (s *SQLite) FindHabit(ctx context.Context, userID, name string) (*Habit, error) {
	var h Habit
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, habit_name, created_at FROM habits WHERE user_id = ? AND habit_name = ?`,
		userID, NormalizeName(name),
	).Scan(&h.ID, &h.UserID, &h.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find habit: %w", err)
	}
	h.CreatedAt, _ = parseTS(created)
	return &h, nil
}

func (s *SQLite) RemoveHabit(ctx context.Context, userID, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM habits WHERE user_id = ? AND habit_name = ?`,
		userID, NormalizeName(name),
	)
	if err != nil {
		return false, fmt.Errorf("remove habit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove habit: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) ListHabits(ctx context.Context, userID string) ([]Habit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, habit_name, created_at FROM habits WHERE user_id = ? ORDER BY habit_name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}
	defer rows.Close()

	var habits []Habit
	for rows.Next() {
		var h Habit
		var created string
		if err := rows.Scan(&h.ID, &h.UserID, &h.Name, &created); err != nil {
			return nil, fmt.Errorf("scan habit: %w", err)
		}
		h.CreatedAt, _ = parseTS(created)
		habits = append(habits, h)
	}
	return habits, rows.Err()
}

func (s *SQLite) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM habits ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLite) HasEntryForDate(ctx context.Context, habitID int64, day string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM habit_entries WHERE habit_id = ? AND entry_day = ?)`,
		habitID, day,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check entry: %w", err)
	}
	return exists, nil
}

func (s *SQLite) InsertEntry(ctx context.Context, habitID int64, at time.Time, day string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO habit_entries (habit_id, entry_date, entry_day) VALUES (?, ?, ?)`,
		habitID, formatTS(at), day,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// MarkDone relies on SQLite executing one statement atomically: the
// existence check and the insert cannot interleave with another writer.
func (s *SQLite) MarkDone(ctx context.Context, habitID int64, at time.Time, day string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM habits WHERE id = ?)`, habitID).Scan(&exists); err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	if !exists {
		return false, ErrHabitNotFound
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO habit_entries (habit_id, entry_date, entry_day)
		 SELECT ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM habit_entries WHERE habit_id = ? AND entry_day = ?)`,
		habitID, formatTS(at), day, habitID, day,
	)
	if err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) ListEntries(ctx context.Context, habitID int64) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_date FROM habit_entries WHERE habit_id = ? ORDER BY entry_date DESC`,
		habitID,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		ts, err := parseTS(raw)
		if err != nil {
			return nil, fmt.Errorf("parse entry %q: %w", raw, err)
		}
		entries = append(entries, ts)
	}
	return entries, rows.Err()
}

func (s *SQLite) DeleteMostRecentEntry(ctx context.Context, habitID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM habit_entries WHERE id = (
			SELECT id FROM habit_entries WHERE habit_id = ?
			ORDER BY entry_date DESC, id DESC LIMIT 1
		)`,
		habitID,
	)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return n > 0, nil
}

// KVGet retrieves a value from the key-value store. Missing keys yield "".
func (s *SQLite) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// KVSet stores a value in the key-value store.
func (s *SQLite) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTS(time.Now()),
	)
	return err
}
