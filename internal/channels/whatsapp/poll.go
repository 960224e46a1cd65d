package whatsapp

import (
	"context"
	"fmt"
	"time"
)

// PollUntil calls ready every interval, up to attempts times, and returns
// nil on the first true. The first check happens after one interval.
func PollUntil(ctx context.Context, interval time.Duration, attempts int, ready func() bool) error {
	if attempts <= 0 {
		attempts = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if ready() {
			return nil
		}
	}
	return fmt.Errorf("not ready after %d attempts at %s intervals", attempts, interval)
}
