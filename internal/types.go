package internal

import "time"

// Thread is one poem-translation session. It carries everything the
// scheduler needs to build line prompts for the poem's stanzas.
type Thread struct {
	ID          string            `json:"id"`
	Title       string            `json:"title,omitempty"`
	Poem        string            `json:"poem"`
	SourceLang  string            `json:"source_lang"`
	TargetLang  string            `json:"target_lang"`
	Preferences map[string]string `json:"preferences,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
