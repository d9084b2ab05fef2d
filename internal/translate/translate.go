// Package translate produces the three translation variants of a single
// poem line, caching each result under a key that names every input that
// shaped it.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/valpere/poetran/internal/cache"
	"github.com/valpere/poetran/internal/llm"
	"github.com/valpere/poetran/internal/lock"
	"github.com/valpere/poetran/internal/recipe"
)

// Namespace is the cache namespace of line artifacts. Change it when the
// Artifact shape changes incompatibly.
const Namespace = "line/v1"

// VariantsPerLine is the fixed number of variants in an artifact.
const VariantsPerLine = 3

var (
	// ErrGenerationFailed wraps any model or transport failure. A rate
	// limit stays detectable through errors.Is(err, llm.ErrRateLimited).
	ErrGenerationFailed = errors.New("translate: generation failed")
	// ErrInvalidResponse is returned when both the structured prompt and the
	// simplified fallback produced unusable output.
	ErrInvalidResponse = errors.New("translate: invalid response")
)

// Method names how variants are produced.
type Method string

const (
	// MethodVariants asks for three variants with no recipe steering.
	MethodVariants Method = "variants"
	// MethodRecipe steers each variant with one recipe of the thread bundle.
	MethodRecipe Method = "recipe"
)

// ParseMethod validates s.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodVariants, MethodRecipe:
		return m, nil
	default:
		return "", fmt.Errorf("translate: unknown method %q", s)
	}
}

// LineContext is what surrounds the line: neighbours, position and the
// thread's language pair and preferences.
type LineContext struct {
	Prev          string            `json:"prev,omitempty"`
	Next          string            `json:"next,omitempty"`
	StanzaIndex   int               `json:"stanza_index"`
	LineInStanza  int               `json:"line_in_stanza"`
	LinesInStanza int               `json:"lines_in_stanza"`
	SourceLang    string            `json:"source_lang"`
	TargetLang    string            `json:"target_lang"`
	Preferences   map[string]string `json:"preferences,omitempty"`
	PoemHash      string            `json:"poem_hash"`
}

// Request asks for the variants of one line.
type Request struct {
	ThreadID     string
	LineIndex    int
	LineText     string
	Context      LineContext
	Method       Method
	Mode         recipe.Mode
	Model        string
	ForceRefresh bool
}

// Alignment pairs a source fragment with its rendering.
type Alignment struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Variant is one full rendering of the line.
type Variant struct {
	Label       string      `json:"label"`
	Text        string      `json:"text"`
	Alignment   []Alignment `json:"alignment,omitempty"`
	Literalness float64     `json:"literalness"`
}

// Artifact is the cached result of translating one line. It is never
// mutated after it is stored; a forced refresh stores a new one.
type Artifact struct {
	Key        string    `json:"key"`
	Variants   []Variant `json:"variants"`
	Model      string    `json:"model"`
	Method     Method    `json:"method"`
	Mode       string    `json:"mode"`
	RecipeHash string    `json:"recipe_hash,omitempty"`
	Gloss      string    `json:"gloss,omitempty"`
	Fallback   bool      `json:"fallback,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecipeSource supplies recipe bundles for MethodRecipe.
type RecipeSource interface {
	GetOrCreate(ctx context.Context, threadID string, mode recipe.Mode, c recipe.Context) (*recipe.Bundle, error)
}

// Glosser produces a plain machine translation fed to the prompt as a hint.
type Glosser interface {
	Name() string
	Gloss(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// LanguageChecker reports whether text is written in lang.
type LanguageChecker interface {
	IsValid(text, lang string) (bool, error)
}

// Option configures a Translator.
type Option func(*Translator)

func WithLogger(l *slog.Logger) Option {
	return func(t *Translator) { t.logger = l }
}

// WithTTL sets the artifact TTL.
func WithTTL(d time.Duration) Option {
	return func(t *Translator) { t.ttl = d }
}

// WithRecipes enables MethodRecipe.
func WithRecipes(r RecipeSource) Option {
	return func(t *Translator) { t.recipes = r }
}

// WithGlosser adds a machine gloss to every prompt.
func WithGlosser(g Glosser) Option {
	return func(t *Translator) { t.glosser = g }
}

// WithLanguageChecker rejects variants not written in the target language.
func WithLanguageChecker(c LanguageChecker) Option {
	return func(t *Translator) { t.checker = c }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(t *Translator) { t.model = model }
}

// Translator is the line translator. It is safe for concurrent use.
type Translator struct {
	client  llm.Client
	cache   cache.Backend
	recipes RecipeSource
	glosser Glosser
	checker LanguageChecker
	ttl     time.Duration
	model   string
	logger  *slog.Logger
}

func New(client llm.Client, backend cache.Backend, opts ...Option) *Translator {
	t := &Translator{
		client: client,
		cache:  backend,
		ttl:    30 * 24 * time.Hour,
		model:  "default",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Translate returns the artifact for req, from cache unless ForceRefresh is
// set. Errors are never cached.
func (t *Translator) Translate(ctx context.Context, req Request) (*Artifact, error) {
	if req.ThreadID == "" {
		return nil, fmt.Errorf("translate: thread id required")
	}
	if _, err := ParseMethod(string(req.Method)); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = t.model
	}

	var bundle *recipe.Bundle
	mode := cache.ModeNone
	if req.Method == MethodRecipe {
		if t.recipes == nil {
			return nil, fmt.Errorf("translate: method %q requires a recipe source", req.Method)
		}
		var err error
		bundle, err = t.recipes.GetOrCreate(ctx, req.ThreadID, req.Mode, recipe.Context{
			SourceLang:  req.Context.SourceLang,
			TargetLang:  req.Context.TargetLang,
			Preferences: req.Context.Preferences,
			PoemHash:    req.Context.PoemHash,
		})
		if err != nil {
			if errors.Is(err, lock.ErrLockTimeout) {
				return nil, fmt.Errorf("translate: recipes: %w", err)
			}
			return nil, fmt.Errorf("%w: recipes: %w", ErrGenerationFailed, err)
		}
		mode = string(req.Mode)
	}

	key := cache.Key{
		Namespace: Namespace,
		ThreadID:  req.ThreadID,
		LineIndex: req.LineIndex,
		Model:     model,
		Method:    string(req.Method),
		Mode:      mode,
		InputHash: inputHash(req),
	}
	if bundle != nil {
		key.RecipeHash = bundle.Hash()
	}
	if t.glosser != nil {
		key.Extra = "gloss=" + t.glosser.Name()
	}
	keyStr, err := key.String()
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}

	if !req.ForceRefresh {
		var cached Artifact
		ok, err := cache.GetJSON(ctx, t.cache, keyStr, &cached)
		if err != nil {
			t.logger.Warn("translate: cache read failed, recomputing", "key", keyStr, "err", err)
		} else if ok {
			t.logger.Debug("translate: cache hit", "thread_id", req.ThreadID, "line", req.LineIndex)
			return &cached, nil
		}
	}

	gloss := t.gloss(ctx, req)
	art, err := t.generate(ctx, req, model, bundle, gloss)
	if err != nil {
		return nil, err
	}
	art.Key = keyStr
	art.Mode = mode
	art.Method = req.Method
	art.Gloss = gloss
	if bundle != nil {
		art.RecipeHash = key.RecipeHash
	}

	if err := cache.SetJSON(ctx, t.cache, keyStr, art, t.ttl); err != nil {
		t.logger.Warn("translate: cache write failed", "key", keyStr, "err", err)
	}
	return art, nil
}

func (t *Translator) gloss(ctx context.Context, req Request) string {
	if t.glosser == nil {
		return ""
	}
	g, err := t.glosser.Gloss(ctx, req.LineText, req.Context.SourceLang, req.Context.TargetLang)
	if err != nil {
		t.logger.Warn("translate: gloss unavailable", "glosser", t.glosser.Name(), "err", err)
		return ""
	}
	return g
}

func (t *Translator) generate(ctx context.Context, req Request, model string, bundle *recipe.Bundle, gloss string) (*Artifact, error) {
	resp, err := t.client.Complete(ctx, llm.Request{
		System:      structuredSystemPrompt,
		User:        buildLinePrompt(req, bundle, gloss),
		Model:       model,
		Format:      llm.FormatJSON,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	variants, perr := parseStructured(resp.Content)
	if perr == nil {
		perr = t.validate(variants, req.Context.TargetLang)
	}
	if perr == nil {
		return &Artifact{Variants: labelled(variants, bundle), Model: modelOf(resp, model), CreatedAt: time.Now().UTC()}, nil
	}

	t.logger.Info("translate: structured response rejected, using simplified prompt",
		"thread_id", req.ThreadID, "line", req.LineIndex, "err", perr)

	resp, err = t.client.Complete(ctx, llm.Request{
		System:      plainSystemPrompt,
		User:        buildPlainPrompt(req, bundle),
		Model:       model,
		Format:      llm.FormatText,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	variants, perr = parsePlain(resp.Content)
	if perr == nil {
		perr = t.validate(variants, req.Context.TargetLang)
	}
	if perr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, perr)
	}
	return &Artifact{Variants: labelled(variants, bundle), Model: modelOf(resp, model), Fallback: true, CreatedAt: time.Now().UTC()}, nil
}

func (t *Translator) validate(variants []Variant, targetLang string) error {
	if len(variants) != VariantsPerLine {
		return fmt.Errorf("expected %d variants, got %d", VariantsPerLine, len(variants))
	}
	for i, v := range variants {
		if strings.TrimSpace(v.Text) == "" {
			return fmt.Errorf("variant %d is empty", i)
		}
		if v.Literalness < 0 || v.Literalness > 1 {
			return fmt.Errorf("variant %d literalness %.2f out of range", i, v.Literalness)
		}
		if t.checker != nil {
			if ok, err := t.checker.IsValid(v.Text, targetLang); !ok {
				if err == nil {
					err = fmt.Errorf("not in %s", targetLang)
				}
				return fmt.Errorf("variant %d: %w", i, err)
			}
		}
	}
	return nil
}

func labelled(variants []Variant, bundle *recipe.Bundle) []Variant {
	for i := range variants {
		switch {
		case bundle != nil && i < len(bundle.Recipes):
			variants[i].Label = bundle.Recipes[i].Label
		case variants[i].Label == "":
			variants[i].Label = string(rune('A' + i))
		}
	}
	return variants
}

func modelOf(resp *llm.Response, fallback string) string {
	if resp.Model != "" {
		return resp.Model
	}
	return fallback
}

// inputHash covers every prompt input that is not already its own key
// dimension.
func inputHash(req Request) string {
	c := req.Context
	parts := []string{
		req.LineText, c.Prev, c.Next,
		strings.ToLower(c.SourceLang), strings.ToLower(c.TargetLang),
		strconv.Itoa(c.StanzaIndex), strconv.Itoa(c.LineInStanza), strconv.Itoa(c.LinesInStanza),
	}
	keys := make([]string, 0, len(c.Preferences))
	for k := range c.Preferences {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+c.Preferences[k])
	}
	return cache.Hash(parts...)
}
