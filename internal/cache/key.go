package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrIncompleteKey is returned for keys that omit a dimension which affects
// the cached value. Two requests that differ only in an omitted dimension
// would otherwise share one entry.
var ErrIncompleteKey = errors.New("cache: incomplete key")

// ModeNone marks a key whose value was produced without recipe steering.
// It must be given explicitly; an empty mode is rejected.
const ModeNone = "none"

// Key identifies one line translation artifact. Every field that changes
// the generated output is part of the key.
type Key struct {
	Namespace  string
	ThreadID   string
	LineIndex  int
	Model      string
	Method     string
	Mode       string
	RecipeHash string
	InputHash  string
	Extra      string
}

// Validate checks that every required dimension is present.
func (k Key) Validate() error {
	var missing []string
	if k.Namespace == "" {
		missing = append(missing, "namespace")
	}
	if k.ThreadID == "" {
		missing = append(missing, "thread")
	}
	if k.LineIndex < 0 {
		missing = append(missing, "line")
	}
	if k.Model == "" {
		missing = append(missing, "model")
	}
	if k.Method == "" {
		missing = append(missing, "method")
	}
	if k.Mode == "" {
		missing = append(missing, "mode")
	}
	if k.Mode != "" && k.Mode != ModeNone && k.RecipeHash == "" {
		missing = append(missing, "recipe")
	}
	if k.InputHash == "" {
		missing = append(missing, "input")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteKey, strings.Join(missing, ", "))
	}
	return nil
}

// String renders the key deterministically. It validates first.
func (k Key) String() (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	parts := []string{
		escape(k.Namespace),
		"t=" + escape(k.ThreadID),
		"l=" + strconv.Itoa(k.LineIndex),
		"m=" + escape(k.Model),
		"meth=" + escape(k.Method),
		"mode=" + escape(k.Mode),
	}
	if k.RecipeHash != "" {
		parts = append(parts, "r="+escape(k.RecipeHash))
	}
	parts = append(parts, "in="+escape(k.InputHash))
	if k.Extra != "" {
		parts = append(parts, "x="+escape(k.Extra))
	}
	return strings.Join(parts, "|"), nil
}

func escape(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	return strings.NewReplacer("%", "%25", "|", "%7C").Replace(s)
}

// Hash returns a short stable hex digest of parts, NFC-normalised and
// separated so that ("ab","c") and ("a","bc") differ.
func Hash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(norm.NFC.String(p)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
