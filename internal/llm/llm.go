// Package llm is the model call layer used by the line translator and the
// recipe provider. Implementations talk to an OpenAI-compatible endpoint
// (OpenRouter) or a local Ollama server.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format selects the response format requested from the model.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Request is a single chat completion: one system and one user message.
type Request struct {
	System      string  `json:"system"`
	User        string  `json:"user"`
	Model       string  `json:"model,omitempty"`
	Format      Format  `json:"format,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Response is the model output plus usage metadata.
type Response struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Latency          time.Duration `json:"latency"`
}

// Client completes prompts. Implementations must be safe for concurrent use.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

var (
	// ErrRateLimited is returned (possibly wrapped in a *RateLimitError)
	// when the provider or the local limiter throttles the call.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrEmptyResponse is returned when the provider answered without content.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// RateLimitError carries the provider's Retry-After hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("llm: %s rate limited (retry after %s)", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("llm: %s rate limited", e.Provider)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// StatusError is a non-2xx, non-429 provider response.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: %s returned status %d: %s", e.Provider, e.Status, e.Body)
}

// IsRateLimited reports whether err is a throttling error.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

type waitLimitKey struct{}

// WithWaitLimit bounds how long throttled calls made with ctx may wait for
// a rate-limit slot, without putting a deadline on the call itself.
func WithWaitLimit(ctx context.Context, until time.Time) context.Context {
	return context.WithValue(ctx, waitLimitKey{}, until)
}

// waitLimit returns the tighter of the wait limit and the context deadline.
func waitLimit(ctx context.Context) (time.Time, bool) {
	until, ok := ctx.Value(waitLimitKey{}).(time.Time)
	if dl, has := ctx.Deadline(); has && (!ok || dl.Before(until)) {
		return dl, true
	}
	return until, ok
}

// parseRetryAfter parses a Retry-After header given in seconds or as an
// HTTP date. It returns 0 when the value is empty or unparseable.
func parseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
