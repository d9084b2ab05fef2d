// Package recipe produces per-thread variant recipes: three short
// directives that steer the line translator's three variants. A bundle is
// generated once per (thread, mode, context fingerprint) and reused by
// every line of the poem.
package recipe

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/valpere/poetran/internal/cache"
)

// Mode sets how far the recipes may stray from the source text.
type Mode string

const (
	ModeFocused     Mode = "focused"
	ModeBalanced    Mode = "balanced"
	ModeAdventurous Mode = "adventurous"
)

// RecipesPerBundle is the number of variants a bundle steers.
const RecipesPerBundle = 3

// ErrInvalidBundle is returned when generated recipes fail validation.
var ErrInvalidBundle = errors.New("recipe: invalid bundle")

// ParseMode validates s.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFocused, ModeBalanced, ModeAdventurous:
		return m, nil
	default:
		return "", fmt.Errorf("recipe: unknown mode %q", s)
	}
}

// Recipe is one directive, not a translation.
type Recipe struct {
	Label     string `json:"label"`
	Lens      string `json:"lens"`
	Directive string `json:"directive"`
}

// Bundle is the cached unit. It is immutable once stored.
type Bundle struct {
	ThreadID    string    `json:"thread_id"`
	Mode        Mode      `json:"mode"`
	Fingerprint string    `json:"fingerprint"`
	Recipes     []Recipe  `json:"recipes"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Hash is a content hash of the directives. It changes whenever any
// recipe text changes, so it can be part of downstream cache keys.
func (b *Bundle) Hash() string {
	parts := make([]string, 0, len(b.Recipes)*3+1)
	parts = append(parts, string(b.Mode))
	for _, r := range b.Recipes {
		parts = append(parts, r.Label, r.Lens, r.Directive)
	}
	return cache.Hash(parts...)
}

// Validate checks there are exactly three non-empty recipes with distinct
// labels.
func (b *Bundle) Validate() error {
	if len(b.Recipes) != RecipesPerBundle {
		return fmt.Errorf("%w: expected %d recipes, got %d", ErrInvalidBundle, RecipesPerBundle, len(b.Recipes))
	}
	seen := make(map[string]bool, len(b.Recipes))
	for i, r := range b.Recipes {
		if strings.TrimSpace(r.Directive) == "" {
			return fmt.Errorf("%w: recipe %d has no directive", ErrInvalidBundle, i)
		}
		label := strings.ToUpper(strings.TrimSpace(r.Label))
		if label == "" || seen[label] {
			return fmt.Errorf("%w: recipe %d has empty or duplicate label %q", ErrInvalidBundle, i, r.Label)
		}
		seen[label] = true
	}
	return nil
}

// Context is everything about a thread that changes which recipes fit.
type Context struct {
	SourceLang  string            `json:"source_lang"`
	TargetLang  string            `json:"target_lang"`
	Preferences map[string]string `json:"preferences,omitempty"`
	PoemHash    string            `json:"poem_hash"`
}

// Fingerprint is a deterministic digest of mode and context; preference
// order does not matter.
func Fingerprint(mode Mode, c Context) string {
	keys := make([]string, 0, len(c.Preferences))
	for k := range c.Preferences {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{string(mode), strings.ToLower(c.SourceLang), strings.ToLower(c.TargetLang), c.PoemHash}
	for _, k := range keys {
		parts = append(parts, k+"="+c.Preferences[k])
	}
	return cache.Hash(parts...)
}
