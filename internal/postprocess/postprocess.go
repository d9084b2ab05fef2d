// Package postprocess removes common LLM artifacts from model output.
//
// It is applied to every raw completion before the translator parses it:
// structured responses go through ExtractJSON, plain-text fallbacks through
// Clean and SplitVariants.
package postprocess

import (
	"regexp"
	"strings"
)

// Clean removes LLM artifacts from text in three phases and returns the
// trimmed result:
//  1. Thinking / reasoning block removal
//  2. Instruction echo removal (prompt leakage)
//  3. Quote wrapping removal
func Clean(text string) string {
	text = removeThinkingBlocks(text)
	text = removeInstructionEchoes(text)
	text = removeQuoteWrapping(text)
	return strings.TrimSpace(text)
}

// --- Phase 1: thinking blocks ---

// RE2 has no backreferences, so each tag pair is listed explicitly.
var thinkingBlockRe = regexp.MustCompile(
	`(?is)<thinking>.*?</thinking>|<think>.*?</think>|<reasoning>.*?</reasoning>|<reflection>.*?</reflection>`,
)

// truncatedThinkingRe matches an opened thinking tag whose closing tag is
// missing (the model was cut off mid-thought).
var truncatedThinkingRe = regexp.MustCompile(
	`(?is)(?:<thinking>|<think>|<reasoning>|<reflection>).*$`,
)

func removeThinkingBlocks(text string) string {
	text = thinkingBlockRe.ReplaceAllString(text, "")
	text = truncatedThinkingRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// --- Phase 2: instruction echoes ---

// echoPatterns are anchored at the start and require a colon so that a
// line of verse starting with "Here is" survives.
var echoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^here(?:'s| is| are)(?: the)? (?:three |3 )?(?:refined |polished |translated )?(?:translations?|variants?|text)\s*:`),
	regexp.MustCompile(`(?i)^(?:the )?(?:translations?|variants?|translated text)\s*:`),
	regexp.MustCompile(`(?i)^(?:certainly|sure|of course)[,.!]? here(?:'s| is| are)(?: the)? [^:\n]{0,40}:`),
}

func removeInstructionEchoes(text string) string {
	for _, re := range echoPatterns {
		if loc := re.FindStringIndex(text); loc != nil && loc[0] == 0 {
			text = strings.TrimSpace(text[loc[1]:])
		}
	}
	return text
}

// --- Phase 3: quote wrapping ---

// removeQuoteWrapping strips one matching pair of outer quotes:
//
//	"…"  '…'  «…»  “…”  ‘…’
func removeQuoteWrapping(text string) string {
	runes := []rune(text)
	n := len(runes)
	if n < 2 {
		return text
	}
	first, last := runes[0], runes[n-1]
	if (first == '"' && last == '"') ||
		(first == '\'' && last == '\'') ||
		(first == '«' && last == '»') ||
		(first == '“' && last == '”') ||
		(first == '‘' && last == '’') {
		return strings.TrimSpace(string(runes[1 : n-1]))
	}
	return text
}

// --- Structured output ---

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*\n?(.*?)\\s*```$")

// StripFences removes a single markdown code fence wrapping the whole text.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

// ExtractJSON returns the first balanced JSON object found in text after
// thinking blocks and code fences are removed. ok is false when no
// complete object is present.
func ExtractJSON(text string) (string, bool) {
	text = StripFences(removeThinkingBlocks(text))

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// listMarkerRe matches "1.", "2)", "-", "*" or "A:" style prefixes.
var listMarkerRe = regexp.MustCompile(`^(?:\d+[.)]|[-*•]|[A-Ca-c][:.)])\s+`)

// SplitVariants splits a plain-text completion into its non-empty lines,
// removing list markers and per-line quote wrapping.
func SplitVariants(text string) []string {
	text = Clean(StripFences(text))
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = listMarkerRe.ReplaceAllString(line, "")
		line = removeQuoteWrapping(strings.TrimSpace(line))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
