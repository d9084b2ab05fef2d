package cache

import (
	"errors"
	"strings"
	"testing"
)

func validKey() Key {
	return Key{
		Namespace: "line",
		ThreadID:  "thread-1",
		LineIndex: 3,
		Model:     "m1",
		Method:    "variants",
		Mode:      ModeNone,
		InputHash: Hash("the moon"),
	}
}

func TestKey_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Key)
		wantErr bool
		missing string
	}{
		{name: "complete", mutate: func(k *Key) {}},
		{name: "no method", mutate: func(k *Key) { k.Method = "" }, wantErr: true, missing: "method"},
		{name: "empty mode", mutate: func(k *Key) { k.Mode = "" }, wantErr: true, missing: "mode"},
		{name: "mode without recipe", mutate: func(k *Key) { k.Mode = "balanced" }, wantErr: true, missing: "recipe"},
		{name: "mode with recipe", mutate: func(k *Key) { k.Mode = "balanced"; k.RecipeHash = "abc" }},
		{name: "no thread", mutate: func(k *Key) { k.ThreadID = "" }, wantErr: true, missing: "thread"},
		{name: "negative line", mutate: func(k *Key) { k.LineIndex = -1 }, wantErr: true, missing: "line"},
		{name: "no model", mutate: func(k *Key) { k.Model = "" }, wantErr: true, missing: "model"},
		{name: "no input", mutate: func(k *Key) { k.InputHash = "" }, wantErr: true, missing: "input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := validKey()
			tt.mutate(&k)
			err := k.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrIncompleteKey) {
					t.Errorf("expected ErrIncompleteKey, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.missing) {
					t.Errorf("expected error to name %q, got %v", tt.missing, err)
				}
			}
		})
	}
}

func TestKey_StringDistinguishesMethodAndMode(t *testing.T) {
	a := validKey()
	b := validKey()
	b.Method = "recipe"
	b.Mode = "balanced"
	b.RecipeHash = "r1"
	c := b
	c.RecipeHash = "r2"

	seen := map[string]bool{}
	for _, k := range []Key{a, b, c} {
		s, err := k.String()
		if err != nil {
			t.Fatalf("String failed: %v", err)
		}
		if seen[s] {
			t.Fatalf("duplicate key %q", s)
		}
		seen[s] = true
	}
}

func TestKey_StringDeterministicAndEscaped(t *testing.T) {
	k := validKey()
	k.ThreadID = "a|b"
	s1, _ := k.String()
	s2, _ := k.String()
	if s1 != s2 {
		t.Errorf("expected deterministic output")
	}
	if strings.Contains(s1, "a|b") {
		t.Errorf("expected separator to be escaped: %q", s1)
	}
}

func TestHash(t *testing.T) {
	if Hash("ab", "c") == Hash("a", "bc") {
		t.Error("expected part boundaries to matter")
	}
	if len(Hash("x")) != 16 {
		t.Errorf("expected 16 hex chars, got %d", len(Hash("x")))
	}
}
