package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Lock.MaxAttempts != 15 || cfg.Lock.MaxDelay != 8*time.Second {
		t.Errorf("unexpected lock defaults %+v", cfg.Lock)
	}
	if cfg.Scheduler.TickBudget != 4*time.Second {
		t.Errorf("unexpected tick budget %v", cfg.Scheduler.TickBudget)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("POETRAN_LLM_MODEL", "from-env")
	t.Setenv("POETRAN_SCHEDULER_MAX_PER_TICK", "3")

	v := NewViper()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
db_path: /tmp/x.db
scheduler:
  max_concurrent: 4
  tick_budget: 2s
lock:
  base_delay: 100ms
llm:
  provider: ollama
  model: from-file
`))
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/tmp/x.db" || cfg.Scheduler.MaxConcurrent != 4 || cfg.Scheduler.TickBudget != 2*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Lock.BaseDelay != 100*time.Millisecond {
		t.Errorf("unexpected base delay %v", cfg.Lock.BaseDelay)
	}
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("unexpected provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "from-env" || cfg.Scheduler.MaxPerTick != 3 {
		t.Errorf("env must override file: model=%q max_per_tick=%d", cfg.LLM.Model, cfg.Scheduler.MaxPerTick)
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]func(c *Config){
		"zero max_concurrent": func(c *Config) { c.Scheduler.MaxConcurrent = 0 },
		"bad log level":       func(c *Config) { c.Log.Level = "verbose" },
		"bad method":          func(c *Config) { c.Scheduler.Method = "literal" },
		"lock ttl too short":  func(c *Config) { c.Scheduler.JobLockTTL = time.Second },
		"redis without addr":  func(c *Config) { c.Lock.Backend = "redis" },
		"jitter out of range": func(c *Config) { c.Lock.Jitter = 1.5 },
		"bad provider":        func(c *Config) { c.LLM.Provider = "gpt" },
		"delay order":         func(c *Config) { c.Lock.MaxDelay = time.Millisecond },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	c := Default()
	c.Lock.Backend = "redis"
	c.Cache.RedisAddr = "localhost:6379"
	if err := c.Validate(); err != nil {
		t.Errorf("redis with addr should be valid: %v", err)
	}
}
