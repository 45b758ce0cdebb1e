package connector

import (
	"context"
	"time"
)

// RetryPolicy is the shared bounded-retry primitive for remote calls that
// are eventually consistent. Attempts are few and the delay fixed so
// request latency stays acceptable; unresolved drift is left for the next
// diagnostic pass instead of being retried inline forever.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultVerifyRetry allows exactly one extra attempt after a short pause,
// enough to ride out the remote registry's propagation window.
var DefaultVerifyRetry = RetryPolicy{Attempts: 2, Delay: 1500 * time.Millisecond}

// Do invokes fn until it reports done, attempts run out, or ctx is
// cancelled. fn's last error is returned alongside the final done state.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) (bool, error)) (bool, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(p.Delay):
			}
		}
		done, err := fn(i)
		lastErr = err
		if done {
			return true, err
		}
	}
	return false, lastErr
}
