package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Repository persists job records. SaveJob is a compare-and-swap on
// Version: it fails with ErrVersionConflict when the stored version is not
// st.Version, and on success increments st.Version.
type Repository interface {
	CreateJob(ctx context.Context, st *State) error
	LoadJob(ctx context.Context, threadID string) (*State, error)
	SaveJob(ctx context.Context, st *State) error
	ListOpenJobs(ctx context.Context) ([]string, error)
}

// maxUpdateAttempts bounds the read-modify-write loop in Update.
const maxUpdateAttempts = 10

// Update loads the job, applies fn and saves it, retrying from a fresh
// read when another writer got there first. fn may run more than once and
// must only touch the state it is given. The record must satisfy Validate
// after fn.
func Update(ctx context.Context, repo Repository, threadID string, fn func(*State) error) (*State, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		st, err := repo.LoadJob(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if err := fn(st); err != nil {
			return nil, err
		}
		if err := st.Validate(); err != nil {
			return nil, err
		}
		st.UpdatedAt = time.Now().UTC()
		err = repo.SaveJob(ctx, st)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrVersionConflict, threadID, maxUpdateAttempts)
}

// MemoryRepository keeps encoded records in a map. It behaves like the
// SQLite store, including version checks, and is meant for tests and
// single-process use.
type MemoryRepository struct {
	mu   sync.Mutex
	jobs map[string][]byte
	// saves counts successful SaveJob calls.
	saves int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string][]byte)}
}

func (m *MemoryRepository) CreateJob(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[st.ThreadID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, st.ThreadID)
	}
	st.Version = 1
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.jobs[st.ThreadID] = data
	return nil
}

func (m *MemoryRepository) LoadJob(_ context.Context, threadID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.jobs[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *MemoryRepository) SaveJob(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.jobs[st.ThreadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, st.ThreadID)
	}
	var stored struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	if stored.Version != st.Version {
		return fmt.Errorf("%w: %s at version %d, stored %d", ErrVersionConflict, st.ThreadID, st.Version, stored.Version)
	}
	next := st.Clone()
	next.Version = st.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	m.jobs[st.ThreadID] = data
	st.Version = next.Version
	m.saves++
	return nil
}

func (m *MemoryRepository) ListOpenJobs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	open := ids[:0]
	for _, id := range ids {
		st, err := m.LoadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if !st.Terminal() {
			open = append(open, id)
		}
	}
	return open, nil
}
