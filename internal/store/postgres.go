package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies the connection and creates the schema.
func OpenPostgres(ctx context.Context, pgURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Postgres{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("habit store opened", "driver", "postgres", "host", config.ConnConfig.Host)
	return s, nil
}

func (s *Postgres) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS habits (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT NOT NULL,
			habit_name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, habit_name)
		)`,
		`CREATE TABLE IF NOT EXISTS habit_entries (
			id         BIGSERIAL PRIMARY KEY,
			habit_id   BIGINT NOT NULL REFERENCES habits(id) ON DELETE CASCADE,
			entry_date TIMESTAMPTZ NOT NULL,
			entry_day  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_habit_entries_day ON habit_entries (habit_id, entry_day)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init habit schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) AddHabit(ctx context.Context, userID, name string) (*Habit, error) {
	h := Habit{UserID: userID, Name: NormalizeName(name)}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO habits (user_id, habit_name) VALUES ($1, $2)
		 ON CONFLICT (user_id, habit_name) DO NOTHING
		 RETURNING id, created_at`,
		h.UserID, h.Name,
	).Scan(&h.ID, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHabitExists
	}
	if err != nil {
		return nil, fmt.Errorf("add habit: %w", err)
	}
	return &h, nil
}

func (s *Postgres) FindHabit(ctx context.Context, userID, name string) (*Habit, error) {
	var h Habit
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, habit_name, created_at FROM habits WHERE user_id = $1 AND habit_name = $2`,
		userID, NormalizeName(name),
	).Scan(&h.ID, &h.UserID, &h.Name, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find habit: %w", err)
	}
	return &h, nil
}

func (s *Postgres) RemoveHabit(ctx context.Context, userID, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM habits WHERE user_id = $1 AND habit_name = $2`,
		userID, NormalizeName(name),
	)
	if err != nil {
		return false, fmt.Errorf("remove habit: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) ListHabits(ctx context.Context, userID string) ([]Habit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, habit_name, created_at FROM habits WHERE user_id = $1 ORDER BY habit_name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}
	defer rows.Close()

	var habits []Habit
	for rows.Next() {
		var h Habit
		if err := rows.Scan(&h.ID, &h.UserID, &h.Name, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan habit: %w", err)
		}
		habits = append(habits, h)
	}
	return habits, rows.Err()
}

func (s *Postgres) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM habits ORDER BY user_id`)
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

func (s *Postgres) HasEntryForDate(ctx context.Context, habitID int64, day string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM habit_entries WHERE habit_id = $1 AND entry_day = $2)`,
		habitID, day,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check entry: %w", err)
	}
	return exists, nil
}

func (s *Postgres) InsertEntry(ctx context.Context, habitID int64, at time.Time, day string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO habit_entries (habit_id, entry_date, entry_day) VALUES ($1, $2, $3)`,
		habitID, at.UTC(), day,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// MarkDone locks the habit row so concurrent marks for the same habit run
// their check and insert one after the other.
func (s *Postgres) MarkDone(ctx context.Context, habitID int64, at time.Time, day string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `SELECT id FROM habits WHERE id = $1 FOR UPDATE`, habitID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrHabitNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock habit: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM habit_entries WHERE habit_id = $1 AND entry_day = $2)`,
		habitID, day,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check entry: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO habit_entries (habit_id, entry_date, entry_day) VALUES ($1, $2, $3)`,
		habitID, at.UTC(), day,
	); err != nil {
		return false, fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func (s *Postgres) ListEntries(ctx context.Context, habitID int64) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry_date FROM habit_entries WHERE habit_id = $1 ORDER BY entry_date DESC`,
		habitID,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, ts.UTC())
	}
	return entries, rows.Err()
}

func (s *Postgres) DeleteMostRecentEntry(ctx context.Context, habitID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM habit_entries WHERE id = (
			SELECT id FROM habit_entries WHERE habit_id = $1
			ORDER BY entry_date DESC, id DESC LIMIT 1
		)`,
		habitID,
	)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Postgres) KVSet(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	return err
}
