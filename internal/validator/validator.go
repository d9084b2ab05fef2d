// Package validator rejects translation variants that came back in the
// wrong language, a common failure of small models on short verse lines.
package validator

import (
	"fmt"
	"strings"

	"github.com/valpere/poetran/internal/detector"
)

// minValidationLength is the rune count below which detection is not
// attempted. Most verse lines are short, so only long lines are checked.
const minValidationLength = 20

// Validator checks variant text against the job's target language.
type Validator struct {
	det *detector.Detector
}

// New shares det with the caller; building a detector is expensive.
func New(det *detector.Detector) *Validator {
	return &Validator{det: det}
}

// IsValid reports whether text appears to be written in lang. Short text,
// an unknown lang and undecidable text all pass.
func (v *Validator) IsValid(text, lang string) (bool, error) {
	if lang == "" || lang == "auto" {
		return true, nil
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return false, fmt.Errorf("variant is empty")
	}
	if len([]rune(text)) < minValidationLength {
		return true, nil
	}

	detected, ok := v.det.DetectISO(text)
	if !ok {
		return true, nil
	}
	if !strings.EqualFold(detected, baseLang(lang)) {
		return false, fmt.Errorf("expected %s but detected %s", lang, detected)
	}
	return true, nil
}

// baseLang strips a region subtag: "pt-BR" → "pt".
func baseLang(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return lang[:i]
	}
	return lang
}
