package translate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/valpere/poetran/internal/postprocess"
	"github.com/valpere/poetran/internal/recipe"
)

const structuredSystemPrompt = `You are a literary translator of poetry.
Translate ONE line of a poem into exactly three distinct variants.
Respond with a JSON object only:
{"variants": [{"label": "A", "text": "...", "literalness": 0.0-1.0,
  "alignment": [{"source": "word or phrase", "target": "its rendering"}]}, ...]}`

const plainSystemPrompt = `You are a literary translator of poetry.
Translate ONE line of a poem into exactly three distinct variants.
Output exactly three numbered lines (1., 2., 3.) and nothing else.`

func buildLinePrompt(req Request, bundle *recipe.Bundle, gloss string) string {
	var sb strings.Builder
	writeLineContext(&sb, req)
	if gloss != "" {
		fmt.Fprintf(&sb, "Machine gloss (for meaning only, do not copy): %s\n", gloss)
	}
	writeRecipes(&sb, bundle)
	fmt.Fprintf(&sb, "\nLine to translate:\n%s\n", req.LineText)
	return sb.String()
}

func buildPlainPrompt(req Request, bundle *recipe.Bundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Translate from %s to %s.\n", langOrAuto(req.Context.SourceLang), req.Context.TargetLang)
	writeRecipes(&sb, bundle)
	fmt.Fprintf(&sb, "\nLine:\n%s\n", req.LineText)
	return sb.String()
}

func writeLineContext(sb *strings.Builder, req Request) {
	c := req.Context
	fmt.Fprintf(sb, "Source language: %s\nTarget language: %s\n", langOrAuto(c.SourceLang), c.TargetLang)
	if c.LinesInStanza > 0 {
		fmt.Fprintf(sb, "Position: line %d of %d in stanza %d\n", c.LineInStanza+1, c.LinesInStanza, c.StanzaIndex+1)
	}
	if c.Prev != "" {
		fmt.Fprintf(sb, "Previous line: %s\n", c.Prev)
	}
	if c.Next != "" {
		fmt.Fprintf(sb, "Next line: %s\n", c.Next)
	}
	if len(c.Preferences) > 0 {
		keys := make([]string, 0, len(c.Preferences))
		for k := range c.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Translator preferences:\n")
		for _, k := range keys {
			fmt.Fprintf(sb, "  %s: %s\n", k, c.Preferences[k])
		}
	}
}

func writeRecipes(sb *strings.Builder, bundle *recipe.Bundle) {
	if bundle == nil {
		return
	}
	sb.WriteString("\nFollow one recipe per variant, in order:\n")
	for _, r := range bundle.Recipes {
		fmt.Fprintf(sb, "  Recipe %s (%s): %s\n", r.Label, r.Lens, r.Directive)
	}
}

func langOrAuto(lang string) string {
	if lang == "" {
		return "auto"
	}
	return lang
}

func parseStructured(content string) ([]Variant, error) {
	raw, ok := postprocess.ExtractJSON(content)
	if !ok {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var parsed struct {
		Variants []Variant `json:"variants"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("decode variants: %w", err)
	}
	for i := range parsed.Variants {
		parsed.Variants[i].Text = postprocess.Clean(parsed.Variants[i].Text)
	}
	return parsed.Variants, nil
}

func parsePlain(content string) ([]Variant, error) {
	lines := postprocess.SplitVariants(content)
	if len(lines) != VariantsPerLine {
		return nil, fmt.Errorf("expected %d lines, got %d", VariantsPerLine, len(lines))
	}
	variants := make([]Variant, len(lines))
	for i, l := range lines {
		variants[i] = Variant{Text: l}
	}
	return variants, nil
}
