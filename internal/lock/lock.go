// Package lock provides named, TTL-bound mutual exclusion shared by every
// process that talks to the same backend. It guards expensive generation
// (one recipe bundle per key) and serialises scheduler ticks per job.
//
// A holder that dies without releasing is recovered only by TTL expiry, so
// long-running holders keep their lease alive with KeepAlive.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLockTimeout is returned by Await when the retry ceiling is
	// exhausted before the awaited result appears.
	ErrLockTimeout = errors.New("lock: timed out waiting for lock holder")
	// ErrNotHeld is returned when releasing or renewing a lease that has
	// expired or been taken over by another owner.
	ErrNotHeld = errors.New("lock: lease not held")
)

// Backend performs the atomic operations. Every method is conditional on
// owner: only the current owner can release or renew.
type Backend interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) (bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
}

// Option configures a Locker.
type Option func(*Locker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(lk *Locker) { lk.logger = l }
}

// Locker hands out leases from a Backend.
type Locker struct {
	backend Backend
	logger  *slog.Logger
}

func NewLocker(backend Backend, opts ...Option) *Locker {
	l := &Locker{backend: backend, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Acquire makes a single atomic attempt to take name for ttl. It returns
// (nil, false, nil) when another owner holds the lock.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock: ttl must be positive")
	}
	owner := uuid.NewString()
	ok, err := l.backend.TryAcquire(ctx, name, owner, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{name: name, owner: owner, ttl: ttl, backend: l.backend, logger: l.logger, lost: make(chan struct{})}, true, nil
}

// Lease is a granted lock. Only the lease can release or renew it.
type Lease struct {
	name    string
	owner   string
	ttl     time.Duration
	backend Backend
	logger  *slog.Logger

	lost     chan struct{}
	lostOnce sync.Once
}

func (l *Lease) Name() string  { return l.name }
func (l *Lease) Owner() string { return l.owner }

// Release gives the lock up. It returns ErrNotHeld when the lease already
// expired and someone else may own the name now.
func (l *Lease) Release(ctx context.Context) error {
	ok, err := l.backend.Release(ctx, l.name, l.owner)
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", l.name, err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Renew extends the lease by its original ttl. A renewal that finds the
// lease gone closes Lost.
func (l *Lease) Renew(ctx context.Context) error {
	ok, err := l.backend.Renew(ctx, l.name, l.owner, l.ttl)
	if err != nil {
		return fmt.Errorf("lock: renew %s: %w", l.name, err)
	}
	if !ok {
		l.lostOnce.Do(func() { close(l.lost) })
		return ErrNotHeld
	}
	return nil
}

// Lost is closed once a renewal reports that the lease expired or was taken
// over. Work guarded by the lease must stop when it fires.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// KeepAlive renews the lease every interval until stop is called or a
// renewal reports the lease lost. An interval ≤ 0 defaults to ttl/3.
func (l *Lease) KeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = l.ttl / 3
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Renew(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					l.logger.Warn("lock: renewal failed", "name", l.name, "err", err)
					if errors.Is(err, ErrNotHeld) {
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
