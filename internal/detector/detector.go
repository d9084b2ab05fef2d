// Package detector identifies the language of poem text. It backs source
// language auto-detection for new threads and the target-language check
// applied to translation variants.
package detector

import (
	"strings"

	lingua "github.com/pemistahl/lingua-go"
)

// minRelativeDistance makes the detector abstain on ambiguous input rather
// than guess; short verse lines are often ambiguous.
const minRelativeDistance = 0.1

// Detector wraps a lingua detector. Building one is expensive; reuse it.
type Detector struct {
	detector lingua.LanguageDetector
}

// New builds a detector over all languages lingua supports.
func New() *Detector {
	detector := lingua.NewLanguageDetectorBuilder().
		FromAllLanguages().
		WithMinimumRelativeDistance(minRelativeDistance).
		Build()

	return &Detector{detector: detector}
}

// Detect returns the detected language, or false when text is empty or the
// detector cannot decide.
func (d *Detector) Detect(text string) (lingua.Language, bool) {
	if strings.TrimSpace(text) == "" {
		return lingua.Unknown, false
	}
	return d.detector.DetectLanguageOf(text)
}

// DetectISO returns the lower-case ISO 639-1 code of the detected language.
func (d *Detector) DetectISO(text string) (string, bool) {
	lang, ok := d.Detect(text)
	if !ok {
		return "", false
	}
	return strings.ToLower(lang.IsoCode639_1().String()), true
}
