/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/valpere/poetran/internal/cache"
	"github.com/valpere/poetran/internal/config"
	"github.com/valpere/poetran/internal/detector"
	"github.com/valpere/poetran/internal/gloss"
	"github.com/valpere/poetran/internal/job"
	"github.com/valpere/poetran/internal/llm"
	"github.com/valpere/poetran/internal/lock"
	"github.com/valpere/poetran/internal/recipe"
	"github.com/valpere/poetran/internal/stanza"
	"github.com/valpere/poetran/internal/store"
	"github.com/valpere/poetran/internal/translate"
	"github.com/valpere/poetran/internal/validator"
)

// app holds every wired component of one process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	redis    *goredis.Client
	gloss    *gloss.Google
	detector *detector.Detector
	service  *job.Service
}

// openStore opens the database, creating its directory when needed.
func openStore(path string) (*store.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return store.New(path)
}

// buildApp wires storage, locks, caches, the LLM client and the job service
// from cfg.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := slog.Default()
	db, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: db, detector: detector.New()}

	if cfg.Cache.RedisAddr != "" {
		a.redis = goredis.NewClient(&goredis.Options{Addr: cfg.Cache.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Cache.RedisAddr, err)
		}
	}

	locker := lock.NewLocker(a.lockBackend(), lock.WithLogger(logger))

	var shared cache.Backend = db.Artifacts()
	if a.redis != nil {
		shared = cache.NewRedis(a.redis)
	}
	artifacts := cache.NewTiered(cache.NewMemory(), shared, cfg.Cache.MemoryTTL)

	client, err := newLLMClient(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, err
	}

	recipes := recipe.NewProvider(client, db, locker,
		recipe.WithLogger(logger),
		recipe.WithRetryPolicy(lock.RetryPolicy{
			MaxAttempts: cfg.Lock.MaxAttempts,
			BaseDelay:   cfg.Lock.BaseDelay,
			MaxDelay:    cfg.Lock.MaxDelay,
			Jitter:      cfg.Lock.Jitter,
		}),
		recipe.WithLockTTL(cfg.Lock.TTL),
		recipe.WithMemoryCache(cache.NewMemory(), cfg.Cache.MemoryTTL),
		recipe.WithModel(cfg.LLM.Model),
	)

	model := cfg.LLM.Model
	if model == "" {
		model = client.Name()
	}
	topts := []translate.Option{
		translate.WithLogger(logger),
		translate.WithTTL(cfg.Cache.ArtifactTTL),
		translate.WithRecipes(recipes),
		translate.WithLanguageChecker(validator.New(a.detector)),
		translate.WithDefaultModel(model),
	}
	if cfg.Gloss.Enabled {
		a.gloss = gloss.NewGoogle(cfg.Gloss.Credentials)
		topts = append(topts, translate.WithGlosser(a.gloss))
	}
	translator := translate.New(client, artifacts, topts...)

	processor := stanza.NewProcessor(translator, stanza.WithLogger(logger))
	scheduler := job.NewScheduler(db, locker, processor,
		job.WithLogger(logger),
		job.WithJobLockTTL(cfg.Scheduler.JobLockTTL),
	)
	defaults := job.Options{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		MaxPerTick:    cfg.Scheduler.MaxPerTick,
		Method:        translate.Method(cfg.Scheduler.Method),
		Mode:          recipe.Mode(cfg.Scheduler.Mode),
		Model:         cfg.LLM.Model,
	}
	a.service = job.NewService(db, db, scheduler, defaults,
		job.WithServiceLogger(logger),
		job.WithTickBudget(cfg.Scheduler.TickBudget),
	)
	return a, nil
}

func (a *app) lockBackend() lock.Backend {
	switch a.cfg.Lock.Backend {
	case "memory":
		return lock.NewMemory()
	case "redis":
		return lock.NewRedis(a.redis)
	default:
		return a.store.Locks()
	}
}

func newLLMClient(lc config.LLMConfig) (llm.Client, error) {
	var client llm.Client
	switch lc.Provider {
	case "openrouter":
		if lc.APIKey == "" {
			return nil, errors.New("llm.api_key is required for openrouter")
		}
		client = llm.NewOpenRouter(lc.APIKey, lc.BaseURL, lc.Model, lc.Timeout)
	case "ollama":
		client = llm.NewOllama(lc.BaseURL, lc.Model, lc.Timeout)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", lc.Provider)
	}
	if lc.RateLimit > 0 {
		client = llm.NewLimited(client, rate.NewLimiter(rate.Limit(lc.RateLimit), lc.Burst))
	}
	return client, nil
}

func (a *app) Close() {
	if a.gloss != nil {
		_ = a.gloss.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.store.Close()
}

// withApp builds the app for the duration of fn.
func withApp(ctx context.Context, fn func(*app) error) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
