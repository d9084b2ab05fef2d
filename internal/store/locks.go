package store

import (
	"context"
	"fmt"
	"time"
)

// Locks is the lock table seen as a lock backend. It lets processes that
// share one database file exclude each other without Redis.
type Locks struct {
	s *Store
}

func (s *Store) Locks() *Locks {
	return &Locks{s: s}
}

// TryAcquire inserts the lock or takes over an expired one in a single
// statement.
func (l *Locks) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := l.s.nowMillis()
	res, err := l.s.db.ExecContext(ctx,
		`INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE locks.expires_at <= ?`,
		name, owner, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, fmt.Errorf("store: acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (l *Locks) Release(ctx context.Context, name, owner string) (bool, error) {
	res, err := l.s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = ? AND owner = ? AND expires_at > ?`, name, owner, l.s.nowMillis())
	if err != nil {
		return false, fmt.Errorf("store: release lock: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (l *Locks) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := l.s.nowMillis()
	res, err := l.s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE name = ? AND owner = ? AND expires_at > ?`,
		now+ttl.Milliseconds(), name, owner, now)
	if err != nil {
		return false, fmt.Errorf("store: renew lock: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
