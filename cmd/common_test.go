package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/valpere/poetran/internal"
	"github.com/valpere/poetran/internal/config"
	"github.com/valpere/poetran/internal/llm"
	"github.com/valpere/poetran/internal/lock"
	"github.com/valpere/poetran/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.Default()
	c.DBPath = filepath.Join(t.TempDir(), "data", "poetran.db")
	c.LLM.Provider = "ollama"
	return c
}

func TestBuildApp_SQLite(t *testing.T) {
	ctx := context.Background()
	a, err := buildApp(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	if _, ok := a.lockBackend().(*store.Locks); !ok {
		t.Errorf("lock backend = %T, want *store.Locks", a.lockBackend())
	}

	th := &internal.Thread{Poem: "рядок один\nрядок два\n\nрядок три", SourceLang: "uk", TargetLang: "en"}
	if err := a.store.CreateThread(ctx, th); err != nil {
		t.Fatal(err)
	}
	snap, err := a.service.Initialize(ctx, th.ID, false, nil)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !snap.Created || snap.Progress.Total != 2 || snap.Progress.Pending != 2 {
		t.Errorf("snapshot = created %v progress %+v", snap.Created, snap.Progress)
	}
}

func TestBuildApp_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testConfig(t)
	c.Cache.RedisAddr = mr.Addr()
	c.Lock.Backend = "redis"

	a, err := buildApp(context.Background(), c)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	if _, ok := a.lockBackend().(*lock.RedisBackend); !ok {
		t.Errorf("lock backend = %T, want *lock.RedisBackend", a.lockBackend())
	}
}

func TestBuildApp_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := testConfig(t)
	c.Cache.RedisAddr = addr
	if _, err := buildApp(context.Background(), c); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestNewLLMClient(t *testing.T) {
	lc := config.Default().LLM
	lc.Provider = "openrouter"
	if _, err := newLLMClient(lc); err == nil {
		t.Error("expected error without api key")
	}

	lc.APIKey = "k"
	lc.RateLimit = 0
	c, err := newLLMClient(lc)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*llm.OpenRouter); !ok {
		t.Errorf("client = %T, want *llm.OpenRouter", c)
	}

	lc.Provider = "ollama"
	lc.RateLimit = 5
	lc.Burst = 1
	c, err = newLLMClient(lc)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*llm.Limited); !ok {
		t.Errorf("client = %T, want *llm.Limited", c)
	}
}

func TestSnippet(t *testing.T) {
	if got := snippet("short", 40); got != "short" {
		t.Errorf("snippet = %q", got)
	}
	if got := snippet("абвгдеєжзиі", 8); got != "абвгд..." {
		t.Errorf("snippet = %q", got)
	}
}
