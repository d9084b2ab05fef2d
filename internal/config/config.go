// Package config loads poetran settings with viper: defaults, then an
// optional config file, then POETRAN_* environment variables, then flags
// bound by the command tree.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "POETRAN"

type Config struct {
	DBPath    string          `mapstructure:"db_path"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Lock      LockConfig      `mapstructure:"lock"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Gloss     GlossConfig     `mapstructure:"gloss"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// TickInterval drives the background ticker; 0 disables it.
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

type SchedulerConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxPerTick    int           `mapstructure:"max_per_tick"`
	TickBudget    time.Duration `mapstructure:"tick_budget"`
	JobLockTTL    time.Duration `mapstructure:"job_lock_ttl"`
	Method        string        `mapstructure:"method"`
	Mode          string        `mapstructure:"mode"`
}

type CacheConfig struct {
	ArtifactTTL time.Duration `mapstructure:"artifact_ttl"`
	// MemoryTTL caps entries in the in-process tiers.
	MemoryTTL time.Duration `mapstructure:"memory_ttl"`
	// RedisAddr, when set, makes Redis the shared artifact tier instead of
	// the SQLite table.
	RedisAddr string `mapstructure:"redis_addr"`
}

type LockConfig struct {
	Backend     string        `mapstructure:"backend"`
	TTL         time.Duration `mapstructure:"ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

type LLMConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// RateLimit is requests per second; 0 disables client-side limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type GlossConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Credentials string `mapstructure:"credentials"`
}

func Default() *Config {
	return &Config{
		DBPath: "poetran.db",
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: ":8080", TickInterval: 15 * time.Second},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 2,
			MaxPerTick:    2,
			TickBudget:    4 * time.Second,
			JobLockTTL:    90 * time.Second,
			Method:        "variants",
			Mode:          "balanced",
		},
		Cache: CacheConfig{
			ArtifactTTL: 30 * 24 * time.Hour,
			MemoryTTL:   10 * time.Minute,
		},
		Lock: LockConfig{
			Backend:     "sqlite",
			TTL:         90 * time.Second,
			MaxAttempts: 15,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    8 * time.Second,
			Jitter:      0.25,
		},
		LLM: LLMConfig{
			Provider:  "openrouter",
			Timeout:   60 * time.Second,
			RateLimit: 2,
			Burst:     4,
		},
	}
}

// SetDefaults registers every key with its default so that environment
// variables are picked up for all of them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.tick_interval", d.Server.TickInterval)
	v.SetDefault("scheduler.max_concurrent", d.Scheduler.MaxConcurrent)
	v.SetDefault("scheduler.max_per_tick", d.Scheduler.MaxPerTick)
	v.SetDefault("scheduler.tick_budget", d.Scheduler.TickBudget)
	v.SetDefault("scheduler.job_lock_ttl", d.Scheduler.JobLockTTL)
	v.SetDefault("scheduler.method", d.Scheduler.Method)
	v.SetDefault("scheduler.mode", d.Scheduler.Mode)
	v.SetDefault("cache.artifact_ttl", d.Cache.ArtifactTTL)
	v.SetDefault("cache.memory_ttl", d.Cache.MemoryTTL)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("lock.backend", d.Lock.Backend)
	v.SetDefault("lock.ttl", d.Lock.TTL)
	v.SetDefault("lock.max_attempts", d.Lock.MaxAttempts)
	v.SetDefault("lock.base_delay", d.Lock.BaseDelay)
	v.SetDefault("lock.max_delay", d.Lock.MaxDelay)
	v.SetDefault("lock.jitter", d.Lock.Jitter)
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.rate_limit", d.LLM.RateLimit)
	v.SetDefault("llm.burst", d.LLM.Burst)
	v.SetDefault("gloss.enabled", d.Gloss.Enabled)
	v.SetDefault("gloss.credentials", d.Gloss.Credentials)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.DBPath != "", "db_path is required")
	check(oneOf(c.Log.Level, "debug", "info", "warn", "error"), "log.level must be debug, info, warn or error")
	check(oneOf(c.Log.Format, "text", "json"), "log.format must be text or json")
	check(c.Server.TickInterval >= 0, "server.tick_interval must not be negative")
	check(c.Scheduler.MaxConcurrent >= 1, "scheduler.max_concurrent must be at least 1")
	check(c.Scheduler.MaxPerTick >= 1, "scheduler.max_per_tick must be at least 1")
	check(c.Scheduler.TickBudget > 0, "scheduler.tick_budget must be positive")
	check(c.Scheduler.JobLockTTL > c.Scheduler.TickBudget, "scheduler.job_lock_ttl must exceed scheduler.tick_budget")
	check(oneOf(c.Scheduler.Method, "variants", "recipe"), "scheduler.method must be variants or recipe")
	check(oneOf(c.Scheduler.Mode, "focused", "balanced", "adventurous"), "scheduler.mode must be focused, balanced or adventurous")
	check(c.Cache.ArtifactTTL >= 0, "cache.artifact_ttl must not be negative")
	check(c.Cache.MemoryTTL >= 0, "cache.memory_ttl must not be negative")
	check(oneOf(c.Lock.Backend, "memory", "sqlite", "redis"), "lock.backend must be memory, sqlite or redis")
	check(c.Lock.Backend != "redis" || c.Cache.RedisAddr != "", "lock.backend=redis requires cache.redis_addr")
	check(c.Lock.TTL > 0, "lock.ttl must be positive")
	check(c.Lock.MaxAttempts >= 1, "lock.max_attempts must be at least 1")
	check(c.Lock.BaseDelay > 0 && c.Lock.MaxDelay >= c.Lock.BaseDelay, "lock.base_delay must be positive and not exceed lock.max_delay")
	check(c.Lock.Jitter >= 0 && c.Lock.Jitter < 1, "lock.jitter must be in [0, 1)")
	check(oneOf(c.LLM.Provider, "openrouter", "ollama"), "llm.provider must be openrouter or ollama")
	check(c.LLM.Timeout > 0, "llm.timeout must be positive")
	check(c.LLM.RateLimit >= 0, "llm.rate_limit must not be negative")
	check(c.LLM.RateLimit == 0 || c.LLM.Burst >= 1, "llm.burst must be at least 1 when rate limiting")

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
