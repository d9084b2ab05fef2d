package lock

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how long a caller denied a lock waits for the holder's
// result: MaxAttempts sleeps of min(BaseDelay·2^n, MaxDelay) ± Jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay to randomise (0..1)
}

// DefaultRetryPolicy matches the generation latency seen in practice: the
// waits sum to roughly a minute and a half before giving up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 15,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      0.25,
	}
}

// Delay returns the sleep before poll number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	}
	if delay < 0 {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

// Await polls check with backoff until it reports done, fails, the context
// ends, or the attempt ceiling is reached (ErrLockTimeout).
func Await(ctx context.Context, p RetryPolicy, check func(context.Context) (bool, error)) error {
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := sleepWithContext(ctx, p.Delay(attempt)); err != nil {
			return err
		}
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrLockTimeout
}

// sleepWithContext sleeps for d but returns early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
