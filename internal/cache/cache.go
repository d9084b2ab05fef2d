// Package cache stores computed artifacts under deterministic keys with a
// TTL. The cache is advisory: a miss is never an error and callers must be
// able to recompute anything it holds.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Backend is a key/value store with per-entry expiry. Get reports a miss
// as (nil, false, nil).
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// GetJSON decodes the entry at key into v.
func GetJSON(ctx context.Context, b Backend, key string, v any) (bool, error) {
	data, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, b Backend, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return b.Set(ctx, key, data, ttl)
}

// Tiered reads the fast backend first and falls back to the slow one,
// back-filling the fast tier on a slow hit. Writes go to both tiers.
type Tiered struct {
	fast    Backend
	slow    Backend
	fastTTL time.Duration
}

// NewTiered combines two backends. fastTTL caps how long entries live in the
// fast tier; zero means "same TTL as the write".
func NewTiered(fast, slow Backend, fastTTL time.Duration) *Tiered {
	return &Tiered{fast: fast, slow: slow, fastTTL: fastTTL}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if data, ok, err := t.fast.Get(ctx, key); err == nil && ok {
		return data, true, nil
	}

	data, ok, err := t.slow.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = t.fast.Set(ctx, key, data, t.capTTL(0))
	return data, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.slow.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return t.fast.Set(ctx, key, value, t.capTTL(ttl))
}

func (t *Tiered) capTTL(ttl time.Duration) time.Duration {
	if t.fastTTL > 0 && (ttl <= 0 || ttl > t.fastTTL) {
		return t.fastTTL
	}
	return ttl
}
