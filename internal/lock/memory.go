package lock

import (
	"context"
	"sync"
	"time"
)

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// Memory is an in-process Backend for tests and single-process deployments.
type Memory struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{locks: make(map[string]memoryLock), now: time.Now}
}

func (m *Memory) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.locks[name]; ok && now.Before(cur.expiresAt) {
		return false, nil
	}
	m.locks[name] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, name, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[name]
	if !ok || cur.owner != owner || !m.now().Before(cur.expiresAt) {
		return false, nil
	}
	delete(m.locks, name)
	return true, nil
}

func (m *Memory) Renew(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.locks[name]
	if !ok || cur.owner != owner || !now.Before(cur.expiresAt) {
		return false, nil
	}
	m.locks[name] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}
