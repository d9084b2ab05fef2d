package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valpere/poetran/internal/job"
)

// CreateJob inserts a job at version 1.
func (s *Store) CreateJob(ctx context.Context, st *job.State) error {
	st.Version = 1
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("store: encode job: %w", err)
	}
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO translation_jobs (thread_id, state_json, version, terminal, created_at, updated_at) VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT(thread_id) DO NOTHING`,
		st.ThreadID, string(data), st.Terminal(), now, now)
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", job.ErrAlreadyExists, st.ThreadID)
	}
	return nil
}

func (s *Store) LoadJob(ctx context.Context, threadID string) (*job.State, error) {
	var (
		data    string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json, version FROM translation_jobs WHERE thread_id = ?`, threadID).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load job: %w", err)
	}
	var st job.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("store: decode job %s: %w", threadID, err)
	}
	st.Version = version
	return &st, nil
}

// SaveJob writes st only if the stored version still equals st.Version.
func (s *Store) SaveJob(ctx context.Context, st *job.State) error {
	next := st.Version + 1
	saved := *st
	saved.Version = next
	data, err := json.Marshal(&saved)
	if err != nil {
		return fmt.Errorf("store: encode job: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE translation_jobs SET state_json = ?, version = ?, terminal = ?, updated_at = ? WHERE thread_id = ? AND version = ?`,
		string(data), next, st.Terminal(), s.nowMillis(), st.ThreadID, st.Version)
	if err != nil {
		return fmt.Errorf("store: save job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		st.Version = next
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM translation_jobs WHERE thread_id = ?`, st.ThreadID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("store: save job: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", job.ErrNotFound, st.ThreadID)
	}
	return fmt.Errorf("%w: %s at version %d", job.ErrVersionConflict, st.ThreadID, st.Version)
}

// ListOpenJobs returns the thread ids of non-terminal jobs, least recently
// updated first.
func (s *Store) ListOpenJobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id FROM translation_jobs WHERE terminal = FALSE ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list open jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
