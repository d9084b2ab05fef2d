package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/valpere/poetran/internal"
	"github.com/valpere/poetran/internal/job"
)

// ErrThreadNotFound matches job.ErrNotFound as well.
var ErrThreadNotFound = fmt.Errorf("store: thread not found: %w", job.ErrNotFound)

// CreateThread inserts t, assigning an id and timestamps when missing.
func (s *Store) CreateThread(ctx context.Context, t *internal.Thread) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	prefs, err := json.Marshal(t.Preferences)
	if err != nil {
		return fmt.Errorf("store: encode preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, title, poem, source_lang, target_lang, preferences_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Poem, t.SourceLang, t.TargetLang, string(prefs), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: create thread: %w", err)
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*internal.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, poem, source_lang, target_lang, preferences_json, created_at, updated_at FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListThreads returns threads, newest first.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]internal.Thread, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, poem, source_lang, target_lang, preferences_json, created_at, updated_at FROM threads ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (*internal.Thread, error) {
	var (
		t                internal.Thread
		title, prefs     sql.NullString
		created, updated int64
	)
	if err := row.Scan(&t.ID, &title, &t.Poem, &t.SourceLang, &t.TargetLang, &prefs, &created, &updated); err != nil {
		return nil, err
	}
	t.Title = title.String
	if prefs.Valid && prefs.String != "" && prefs.String != "null" {
		if err := json.Unmarshal([]byte(prefs.String), &t.Preferences); err != nil {
			return nil, fmt.Errorf("store: decode preferences: %w", err)
		}
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}
