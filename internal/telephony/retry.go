package telephony

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// errTransient marks failures worth retrying: network errors, 429 and 5xx.
var errTransient = errors.New("transient provider failure")

// RetryConfig controls exponential backoff for transient call failures.
type RetryConfig struct {
	MaxRetries int           // retry attempts after the first (default 2, negative disables)
	BaseDelay  time.Duration // initial backoff delay (default 1s)
	MaxDelay   time.Duration // maximum backoff delay (default 10s)
}

func (r *RetryConfig) applyDefaults() {
	if r.MaxRetries == 0 {
		r.MaxRetries = 2
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 10 * time.Second
	}
}

// withRetry runs fn until it succeeds, fails permanently, or retries run out.
func withRetry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (result T, attempts int, err error) {
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err = fn()
		if err == nil || !errors.Is(err, errTransient) {
			return result, attempt + 1, err
		}
		if attempt == cfg.MaxRetries {
			break
		}
		t := time.NewTimer(backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return result, attempt + 1, ctx.Err()
		case <-t.C:
		}
	}
	return result, cfg.MaxRetries + 1, err
}

// backoffWithJitter computes min(base * 2^attempt, max) with ±25% jitter.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	quarter := delay / 4
	if quarter > 0 {
		delay += time.Duration(rand.Int64N(int64(quarter*2))) - quarter
	}
	return delay
}
