// Package poem splits poem text into stanzas and lines and fingerprints it.
// Stanzas are the scheduler's unit of work; lines are the translator's.
package poem

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultContextWords is the default number of words kept by Tail when
	// a neighbouring line is passed to the translator as context.
	DefaultContextWords = 25
)

// Stanza is a contiguous group of non-empty lines.
type Stanza struct {
	Index int      `json:"index"`
	Lines []string `json:"lines"`
}

// Split breaks text into stanzas separated by one or more blank lines.
// Lines are NFC-normalised and trimmed; whitespace-only lines count as
// blank. Windows line endings are accepted.
func Split(text string) []Stanza {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var stanzas []Stanza
	var current []string
	flush := func() {
		if len(current) == 0 {
			return
		}
		stanzas = append(stanzas, Stanza{Index: len(stanzas), Lines: current})
		current = nil
	}

	for _, raw := range strings.Split(text, "\n") {
		line := NormalizeLine(raw)
		if line == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()

	return stanzas
}

// NormalizeLine trims whitespace and applies Unicode NFC normalisation.
func NormalizeLine(line string) string {
	return norm.NFC.String(strings.TrimSpace(line))
}

// Hash returns a hex SHA-256 of the normalised stanza structure, so two
// texts that only differ in spacing or blank-line runs hash equally.
func Hash(text string) string {
	h := sha256.New()
	for _, s := range Split(text) {
		for _, l := range s.Lines {
			h.Write([]byte(l))
			h.Write([]byte{'\n'})
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LineCount returns the total number of lines across stanzas.
func LineCount(stanzas []Stanza) int {
	n := 0
	for _, s := range stanzas {
		n += len(s.Lines)
	}
	return n
}

// Tail returns the last wordCount words of text joined by single spaces.
// If text has fewer words, the trimmed text is returned unchanged.
// If wordCount ≤ 0, DefaultContextWords is used.
func Tail(text string, wordCount int) string {
	if wordCount <= 0 {
		wordCount = DefaultContextWords
	}
	words := strings.Fields(text)
	if len(words) <= wordCount {
		return strings.TrimSpace(text)
	}
	return strings.Join(words[len(words)-wordCount:], " ")
}

// Head returns the first wordCount words of text; see Tail.
func Head(text string, wordCount int) string {
	if wordCount <= 0 {
		wordCount = DefaultContextWords
	}
	words := strings.Fields(text)
	if len(words) <= wordCount {
		return strings.TrimSpace(text)
	}
	return strings.Join(words[:wordCount], " ")
}
