package translate

import (
	"errors"

	"github.com/valpere/poetran/internal/llm"
	"github.com/valpere/poetran/internal/lock"
)

// Kind is the persisted classification of a line failure.
type Kind string

const (
	KindGenerationFailed Kind = "generation_failed"
	KindInvalidResponse  Kind = "invalid_response"
	KindLockTimeout      Kind = "lock_timeout"
	KindRateLimited      Kind = "rate_limited"
)

// Classify maps err to its Kind. Rate limiting wins over the generic
// generation failure that wraps it.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, llm.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, lock.ErrLockTimeout):
		return KindLockTimeout
	case errors.Is(err, ErrInvalidResponse):
		return KindInvalidResponse
	default:
		return KindGenerationFailed
	}
}
