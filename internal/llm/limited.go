package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limited throttles calls to the wrapped client with a token bucket. When a
// slot would only become free after the caller's wait limit (see
// WithWaitLimit) it gives up immediately with a *RateLimitError, so the
// scheduler can requeue the stanza instead of sleeping past its budget.
type Limited struct {
	next    Client
	limiter *rate.Limiter
}

func NewLimited(next Client, limiter *rate.Limiter) *Limited {
	return &Limited{next: next, limiter: limiter}
}

func (l *Limited) Name() string {
	return l.next.Name()
}

func (l *Limited) Complete(ctx context.Context, req Request) (*Response, error) {
	r := l.limiter.Reserve()
	if !r.OK() {
		return nil, &RateLimitError{Provider: l.Name()}
	}

	if delay := r.Delay(); delay > 0 {
		if until, ok := waitLimit(ctx); ok && time.Now().Add(delay).After(until) {
			r.Cancel()
			return nil, &RateLimitError{Provider: l.Name(), RetryAfter: delay}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return l.next.Complete(ctx, req)
}
