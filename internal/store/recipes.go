package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valpere/poetran/internal/recipe"
)

func (s *Store) LoadRecipes(ctx context.Context, threadID string, mode recipe.Mode, fingerprint string) (*recipe.Bundle, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT bundle_json FROM recipe_bundles WHERE thread_id = ? AND mode = ? AND fingerprint = ?`,
		threadID, string(mode), fingerprint).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: load recipes: %w", err)
	}
	var b recipe.Bundle
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, false, fmt.Errorf("store: decode recipes: %w", err)
	}
	return &b, true, nil
}

// SaveRecipes stores b. Bundles are immutable: the first write for a key
// wins.
func (s *Store) SaveRecipes(ctx context.Context, b *recipe.Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("store: encode recipes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recipe_bundles (thread_id, mode, fingerprint, bundle_json, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id, mode, fingerprint) DO NOTHING`,
		b.ThreadID, string(b.Mode), b.Fingerprint, string(data), s.nowMillis())
	if err != nil {
		return fmt.Errorf("store: save recipes: %w", err)
	}
	return nil
}
