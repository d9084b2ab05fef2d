package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestMemory_GetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, err := m.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("expected hit v, got %q ok=%v err=%v", got, ok, err)
	}
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	_ = m.Set(ctx, "k", []byte("v"), time.Second)
	_ = m.Set(ctx, "forever", []byte("v"), 0)

	now = now.Add(2 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expected expired entry to miss")
	}
	if _, ok, _ := m.Get(ctx, "forever"); !ok {
		t.Error("expected ttl=0 entry to survive")
	}
}

func TestMemory_Purge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	_ = m.Set(ctx, "a", []byte("1"), time.Second)
	_ = m.Set(ctx, "b", []byte("2"), time.Hour)
	now = now.Add(time.Minute)

	if n := m.Purge(); n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 remaining, got %d", m.Len())
	}
}

func TestMemory_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, "k", []byte("abc"), 0)

	got, _, _ := m.Get(ctx, "k")
	got[0] = 'X'
	again, _, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value was mutated through Get: %q", again)
	}
}

func TestTiered_BackfillsFastTier(t *testing.T) {
	ctx := context.Background()
	fast, slow := NewMemory(), NewMemory()
	tiered := NewTiered(fast, slow, time.Minute)

	_ = slow.Set(ctx, "k", []byte("v"), time.Hour)
	if _, ok, _ := fast.Get(ctx, "k"); ok {
		t.Fatal("fast tier should start empty")
	}

	got, ok, err := tiered.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("expected slow hit, got %q ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := fast.Get(ctx, "k"); !ok {
		t.Error("expected fast tier to be back-filled")
	}
}

func TestTiered_WritesBoth(t *testing.T) {
	ctx := context.Background()
	fast, slow := NewMemory(), NewMemory()
	tiered := NewTiered(fast, slow, 0)

	if err := tiered.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	for name, b := range map[string]*Memory{"fast": fast, "slow": slow} {
		if _, ok, _ := b.Get(ctx, "k"); !ok {
			t.Errorf("%s tier missing entry", name)
		}
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	type payload struct {
		Lines []string `json:"lines"`
	}
	if err := SetJSON(ctx, m, "k", payload{Lines: []string{"a", "b"}}, 0); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}
	var out payload
	ok, err := GetJSON(ctx, m, "k", &out)
	if err != nil || !ok || len(out.Lines) != 2 {
		t.Fatalf("GetJSON: ok=%v err=%v out=%+v", ok, err, out)
	}

	_ = m.Set(ctx, "bad", []byte("{"), 0)
	if _, err := GetJSON(ctx, m, "bad", &out); err == nil {
		t.Error("expected decode error")
	}
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	r := NewRedis(client)

	if _, ok, err := r.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if err := r.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := r.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("expected hit, got %q ok=%v err=%v", got, ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := r.Get(ctx, "k"); ok {
		t.Error("expected entry to expire")
	}
}

func TestRedisBackend_Error(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	r := NewRedis(client)
	if _, _, err := r.Get(context.Background(), "k"); err == nil || errors.Is(err, goredis.Nil) {
		t.Errorf("expected transport error, got %v", err)
	}
}
