package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/time/rate"
)

// grantHistory is how long granted requests are kept in the state file.
const grantHistory = 10 * time.Minute

// RateLimiter enforces per-key limits on operator test actions (test sends
// and calls) using a token bucket per key.
type RateLimiter struct {
	limiters sync.Map   // key → *limiterEntry
	r        rate.Limit // refill rate (requests per second)
	burst    int

	// statePath, when set, holds recent grants per key so the limit spans
	// processes. Each CLI invocation is its own process.
	statePath string

	mu          sync.Mutex
	lastCleanup time.Time
	now         func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per key.
// If rpm <= 0 the limiter always allows.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 3
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	return &RateLimiter{r: r, burst: burst, now: time.Now, lastCleanup: time.Now()}
}

// NewFileRateLimiter is NewRateLimiter with its state kept in path.
func NewFileRateLimiter(rpm, burst int, path string) *RateLimiter {
	rl := NewRateLimiter(rpm, burst)
	rl.statePath = path
	return rl
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.r == 0 {
		return true
	}
	now := rl.now()
	if rl.statePath != "" {
		return rl.allowPersisted(key, now)
	}
	rl.maybeCleanup(now)

	entry := rl.getOrCreate(key, now)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.limiter.AllowN(now, 1) {
		slog.Warn("control: rate limited", "key", key)
		return false
	}
	entry.lastSeen = now
	return true
}

func (rl *RateLimiter) getOrCreate(key string, now time.Time) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{
		limiter:  rate.NewLimiter(rl.r, rl.burst),
		lastSeen: now,
	}
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

// maybeCleanup drops entries idle for 10 minutes, at most every 5 minutes.
func (rl *RateLimiter) maybeCleanup(now time.Time) {
	rl.mu.Lock()
	if now.Sub(rl.lastCleanup) < 5*time.Minute {
		rl.mu.Unlock()
		return
	}
	rl.lastCleanup = now
	rl.mu.Unlock()

	cutoff := now.Add(-10 * time.Minute)
	rl.limiters.Range(func(key, value any) bool {
		entry := value.(*limiterEntry)
		entry.mu.Lock()
		stale := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// allowPersisted rebuilds the key's bucket by replaying its recorded grants,
// then records this grant if allowed.
func (rl *RateLimiter) allowPersisted(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	grants, err := readGrants(rl.statePath)
	if err != nil {
		slog.Warn("control: rate limit state unreadable, starting fresh", "path", rl.statePath, "error", err)
		grants = map[string][]time.Time{}
	}
	lim := rate.NewLimiter(rl.r, rl.burst)
	for _, t := range grants[key] {
		lim.AllowN(t, 1)
	}
	if !lim.AllowN(now, 1) {
		slog.Warn("control: rate limited", "key", key)
		return false
	}

	grants[key] = append(grants[key], now)
	cutoff := now.Add(-grantHistory)
	for k, ts := range grants {
		i := sort.Search(len(ts), func(i int) bool { return ts[i].After(cutoff) })
		if i == len(ts) {
			delete(grants, k)
			continue
		}
		grants[k] = ts[i:]
	}
	if err := writeGrants(rl.statePath, grants); err != nil {
		slog.Warn("control: save rate limit state", "path", rl.statePath, "error", err)
	}
	return true
}

func readGrants(path string) (map[string][]time.Time, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string][]time.Time{}, nil
	}
	if err != nil {
		return nil, err
	}
	grants := map[string][]time.Time{}
	if err := json.Unmarshal(data, &grants); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, ts := range grants {
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	}
	return grants, nil
}

func writeGrants(path string, grants map[string][]time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(grants)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o600)
}
