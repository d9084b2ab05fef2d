package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Artifacts is the artifact table seen as a cache backend.
type Artifacts struct {
	s *Store
}

func (s *Store) Artifacts() *Artifacts {
	return &Artifacts{s: s}
}

func (a *Artifacts) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		payload   []byte
		expiresAt int64
	)
	err := a.s.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM artifacts WHERE cache_key = ?`, key).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get artifact: %w", err)
	}
	if expiresAt != 0 && expiresAt <= a.s.nowMillis() {
		return nil, false, nil
	}
	return payload, true, nil
}

// Set replaces the entry at key. A ttl ≤ 0 never expires.
func (a *Artifacts) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := a.s.nowMillis()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now + ttl.Milliseconds()
	}
	_, err := a.s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (cache_key, payload, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		key, value, expiresAt, now)
	if err != nil {
		return fmt.Errorf("store: set artifact: %w", err)
	}
	return nil
}

// ArtifactStats summarises the artifact table.
type ArtifactStats struct {
	Entries    int64
	Expired    int64
	TotalBytes int64
	Oldest     time.Time
	Newest     time.Time
}

func (s *Store) ArtifactStats(ctx context.Context) (*ArtifactStats, error) {
	stats := &ArtifactStats{}
	now := s.nowMillis()

	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0), MIN(created_at), MAX(created_at) FROM artifacts`).
		Scan(&stats.Entries, &stats.TotalBytes, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("store: artifact stats: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = fromMillis(oldest.Int64)
	}
	if newest.Valid {
		stats.Newest = fromMillis(newest.Int64)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE expires_at != 0 AND expires_at <= ?`, now).Scan(&stats.Expired)
	if err != nil {
		return nil, fmt.Errorf("store: artifact stats: %w", err)
	}
	return stats, nil
}

// PurgeExpired removes expired artifacts and locks. It returns the number
// of artifacts removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE expires_at != 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("store: purge artifacts: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, now); err != nil {
		return 0, fmt.Errorf("store: purge locks: %w", err)
	}
	return res.RowsAffected()
}

// ClearArtifacts removes every artifact.
func (s *Store) ClearArtifacts(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts`)
	if err != nil {
		return 0, fmt.Errorf("store: clear artifacts: %w", err)
	}
	return res.RowsAffected()
}
