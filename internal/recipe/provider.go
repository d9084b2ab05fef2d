package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/valpere/poetran/internal/cache"
	"github.com/valpere/poetran/internal/llm"
	"github.com/valpere/poetran/internal/lock"
	"github.com/valpere/poetran/internal/postprocess"
)

// DurableStore is the long-lived tier, attached to the thread record.
type DurableStore interface {
	LoadRecipes(ctx context.Context, threadID string, mode Mode, fingerprint string) (*Bundle, bool, error)
	SaveRecipes(ctx context.Context, b *Bundle) error
}

// Option configures a Provider.
type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithRetryPolicy sets how long a caller denied the lock polls for the
// holder's bundle.
func WithRetryPolicy(rp lock.RetryPolicy) Option {
	return func(p *Provider) { p.policy = rp }
}

// WithLockTTL sets the generation lock TTL; the holder renews at ttl/3.
func WithLockTTL(d time.Duration) Option {
	return func(p *Provider) { p.lockTTL = d }
}

// WithMemoryCache replaces the fast tier and its TTL.
func WithMemoryCache(b cache.Backend, ttl time.Duration) Option {
	return func(p *Provider) {
		p.memory = b
		p.memoryTTL = ttl
	}
}

// WithModel sets the model used for recipe generation.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// Provider returns the bundle for (thread, mode, fingerprint), generating
// it at most once at a time across every process sharing the lock backend.
type Provider struct {
	client    llm.Client
	durable   DurableStore
	locker    *lock.Locker
	memory    cache.Backend
	memoryTTL time.Duration
	lockTTL   time.Duration
	policy    lock.RetryPolicy
	model     string
	group     singleflight.Group
	logger    *slog.Logger
}

func NewProvider(client llm.Client, durable DurableStore, locker *lock.Locker, opts ...Option) *Provider {
	p := &Provider{
		client:    client,
		durable:   durable,
		locker:    locker,
		memory:    cache.NewMemory(),
		memoryTTL: 10 * time.Minute,
		lockTTL:   90 * time.Second,
		policy:    lock.DefaultRetryPolicy(),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// GetOrCreate resolves the bundle through the memory tier, the durable tier
// and finally generation under the lock. Concurrent in-process callers for
// one key share a single resolution; callers in other processes wait on
// the lock and poll the durable tier.
func (p *Provider) GetOrCreate(ctx context.Context, threadID string, mode Mode, c Context) (*Bundle, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if threadID == "" {
		return nil, fmt.Errorf("recipe: thread id required")
	}
	fp := Fingerprint(mode, c)
	key := threadID + ":" + string(mode) + ":" + fp

	var b Bundle
	if ok, _ := cache.GetJSON(ctx, p.memory, key, &b); ok {
		return &b, nil
	}
	if cached, ok, err := p.durable.LoadRecipes(ctx, threadID, mode, fp); err != nil {
		return nil, fmt.Errorf("recipe: load durable: %w", err)
	} else if ok {
		p.remember(ctx, key, cached)
		return cached, nil
	}

	// The shared resolution outlives any one caller; each caller may still
	// stop waiting on its own ctx.
	ch := p.group.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.resolveTimeout())
		defer cancel()
		return p.resolve(rctx, key, threadID, mode, fp, c)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("recipe: %w", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			p.logger.Debug("recipe: shared in-flight resolution", "thread_id", threadID, "mode", mode)
		}
		return r.Val.(*Bundle), nil
	}
}

// resolveTimeout bounds a detached resolution: a generation under the lock
// or a full wait for another holder, whichever is longer.
func (p *Provider) resolveTimeout() time.Duration {
	var wait time.Duration
	for i := 0; i < p.policy.MaxAttempts; i++ {
		wait += time.Duration(float64(p.policy.MaxDelay) * (1 + p.policy.Jitter))
	}
	return max(p.lockTTL, wait+p.policy.BaseDelay)
}

func (p *Provider) resolve(ctx context.Context, key, threadID string, mode Mode, fp string, c Context) (*Bundle, error) {
	lease, ok, err := p.locker.Acquire(ctx, "recipe:"+key, p.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("recipe: %w", err)
	}
	if !ok {
		p.logger.Debug("recipe: lock contended, waiting for holder", "thread_id", threadID, "mode", mode)
		return p.awaitHolder(ctx, key, threadID, mode, fp)
	}

	stop := lease.KeepAlive(ctx, 0)
	defer func() {
		stop()
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("recipe: release lock", "thread_id", threadID, "err", err)
		}
	}()

	// The previous holder may have published between our durable miss and
	// the acquisition.
	if cached, ok, err := p.durable.LoadRecipes(ctx, threadID, mode, fp); err != nil {
		return nil, fmt.Errorf("recipe: load durable: %w", err)
	} else if ok {
		p.remember(ctx, key, cached)
		return cached, nil
	}

	b, err := p.generate(ctx, threadID, mode, fp, c)
	if err != nil {
		return nil, err
	}
	if err := p.durable.SaveRecipes(ctx, b); err != nil {
		return nil, fmt.Errorf("recipe: save durable: %w", err)
	}
	// The first write wins; a holder whose lock lapsed mid-generation must
	// hand out the stored bundle, not its own.
	stored, ok, err := p.durable.LoadRecipes(ctx, threadID, mode, fp)
	if err != nil {
		return nil, fmt.Errorf("recipe: load durable: %w", err)
	}
	if ok && stored.Hash() != b.Hash() {
		p.logger.Warn("recipe: another holder published first, using its bundle", "thread_id", threadID, "mode", mode)
		b = stored
	}
	p.remember(ctx, key, b)
	p.logger.Info("recipe: bundle generated", "thread_id", threadID, "mode", mode, "fingerprint", fp)
	return b, nil
}

func (p *Provider) awaitHolder(ctx context.Context, key, threadID string, mode Mode, fp string) (*Bundle, error) {
	var found *Bundle
	err := lock.Await(ctx, p.policy, func(ctx context.Context) (bool, error) {
		b, ok, err := p.durable.LoadRecipes(ctx, threadID, mode, fp)
		if err != nil {
			return false, fmt.Errorf("recipe: load durable: %w", err)
		}
		found = b
		return ok, nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			p.logger.Warn("recipe: gave up waiting for lock holder", "thread_id", threadID, "mode", mode)
		}
		return nil, err
	}
	p.remember(ctx, key, found)
	return found, nil
}

func (p *Provider) remember(ctx context.Context, key string, b *Bundle) {
	if err := cache.SetJSON(ctx, p.memory, key, b, p.memoryTTL); err != nil {
		p.logger.Debug("recipe: memory cache write", "err", err)
	}
}

func (p *Provider) generate(ctx context.Context, threadID string, mode Mode, fp string, c Context) (*Bundle, error) {
	resp, err := p.client.Complete(ctx, llm.Request{
		System:      recipeSystemPrompt,
		User:        buildRecipePrompt(mode, c),
		Model:       p.model,
		Format:      llm.FormatJSON,
		Temperature: modeTemperature(mode),
	})
	if err != nil {
		return nil, fmt.Errorf("recipe: generate: %w", err)
	}

	raw, ok := postprocess.ExtractJSON(resp.Content)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrInvalidBundle)
	}
	var parsed struct {
		Recipes []Recipe `json:"recipes"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	b := &Bundle{
		ThreadID:    threadID,
		Mode:        mode,
		Fingerprint: fp,
		Recipes:     parsed.Recipes,
		Model:       resp.Model,
		CreatedAt:   time.Now().UTC(),
	}
	for i := range b.Recipes {
		b.Recipes[i].Label = strings.ToUpper(strings.TrimSpace(b.Recipes[i].Label))
		b.Recipes[i].Directive = strings.TrimSpace(b.Recipes[i].Directive)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func modeTemperature(mode Mode) float64 {
	switch mode {
	case ModeFocused:
		return 0.3
	case ModeAdventurous:
		return 0.9
	default:
		return 0.6
	}
}

const recipeSystemPrompt = `You design translation strategies for poetry. You never translate the poem yourself.
Respond with a JSON object: {"recipes": [{"label": "A", "lens": "...", "directive": "..."}, ...]}
with exactly three recipes labelled A, B and C.`

func buildRecipePrompt(mode Mode, c Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source language: %s\nTarget language: %s\n", c.SourceLang, c.TargetLang)

	switch mode {
	case ModeFocused:
		sb.WriteString("Mode: focused. All three recipes stay close to the literal sense; they differ in word order and register only.\n")
	case ModeAdventurous:
		sb.WriteString("Mode: adventurous. Recipe C may depart from the literal sense to recreate imagery and sound.\n")
	default:
		sb.WriteString("Mode: balanced. Recipe A is literal, B balances sense and music, C favours form and sound.\n")
	}

	if len(c.Preferences) > 0 {
		keys := make([]string, 0, len(c.Preferences))
		for k := range c.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nTranslator preferences:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %s\n", k, c.Preferences[k])
		}
	}

	sb.WriteString("\nEach directive is one or two sentences the translator can apply to every line of the poem.")
	return sb.String()
}
