package recipe

import (
	"errors"
	"testing"
)

func TestParseMode(t *testing.T) {
	for _, s := range []string{"focused", "Balanced", " adventurous "} {
		if _, err := ParseMode(s); err != nil {
			t.Errorf("ParseMode(%q): unexpected error %v", s, err)
		}
	}
	if _, err := ParseMode("wild"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestFingerprint(t *testing.T) {
	base := Context{SourceLang: "uk", TargetLang: "en", PoemHash: "abc", Preferences: map[string]string{"tone": "dark", "rhyme": "loose"}}
	reordered := Context{SourceLang: "UK", TargetLang: "EN", PoemHash: "abc", Preferences: map[string]string{"rhyme": "loose", "tone": "dark"}}

	if Fingerprint(ModeBalanced, base) != Fingerprint(ModeBalanced, reordered) {
		t.Error("fingerprint must not depend on preference order or language case")
	}
	if Fingerprint(ModeBalanced, base) == Fingerprint(ModeFocused, base) {
		t.Error("fingerprint must change with mode")
	}
	changed := base
	changed.Preferences = map[string]string{"tone": "light", "rhyme": "loose"}
	if Fingerprint(ModeBalanced, base) == Fingerprint(ModeBalanced, changed) {
		t.Error("fingerprint must change with preferences")
	}
}

func TestBundle_Validate(t *testing.T) {
	good := &Bundle{Recipes: []Recipe{{Label: "A", Directive: "x"}, {Label: "B", Directive: "y"}, {Label: "C", Directive: "z"}}}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := map[string][]Recipe{
		"two recipes":     {{Label: "A", Directive: "x"}, {Label: "B", Directive: "y"}},
		"empty directive": {{Label: "A", Directive: "x"}, {Label: "B", Directive: " "}, {Label: "C", Directive: "z"}},
		"duplicate label": {{Label: "A", Directive: "x"}, {Label: "a", Directive: "y"}, {Label: "C", Directive: "z"}},
	}
	for name, recipes := range tests {
		t.Run(name, func(t *testing.T) {
			b := &Bundle{Recipes: recipes}
			if err := b.Validate(); !errors.Is(err, ErrInvalidBundle) {
				t.Errorf("expected ErrInvalidBundle, got %v", err)
			}
		})
	}
}

func TestBundle_HashTracksDirectives(t *testing.T) {
	a := &Bundle{Mode: ModeBalanced, Recipes: []Recipe{{Label: "A", Directive: "x"}, {Label: "B", Directive: "y"}, {Label: "C", Directive: "z"}}}
	b := &Bundle{Mode: ModeBalanced, Recipes: []Recipe{{Label: "A", Directive: "x"}, {Label: "B", Directive: "y"}, {Label: "C", Directive: "z!"}}}
	if a.Hash() == b.Hash() {
		t.Error("hash must change when a directive changes")
	}
	if a.Hash() != a.Hash() {
		t.Error("hash must be deterministic")
	}
}
