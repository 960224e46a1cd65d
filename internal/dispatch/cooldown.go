package dispatch

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

const (
	clockChat  = "chat"
	clockVoice = "voice"
)

// clockFor maps a category onto its cooldown clock. All chat categories
// share one clock; voice calls have their own.
func clockFor(category string) string {
	if category == protocol.CategoryVoiceCall {
		return clockVoice
	}
	return clockChat
}

// cooldowns tracks the last successful dispatch per clock. State is in
// memory only and resets on restart.
type cooldowns struct {
	mu      sync.Mutex
	windows map[string]time.Duration
	last    map[string]time.Time
}

func newCooldowns(chat, voice time.Duration) *cooldowns {
	return &cooldowns{
		windows: map[string]time.Duration{clockChat: chat, clockVoice: voice},
		last:    make(map[string]time.Time),
	}
}

// remaining returns how long category stays suppressed at now (0 = allowed).
func (c *cooldowns) remaining(category string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	clock := clockFor(category)
	last, ok := c.last[clock]
	if !ok {
		return 0
	}
	left := c.windows[clock] - now.Sub(last)
	if left < 0 {
		return 0
	}
	return left
}

// mark records a successful dispatch for category at now.
func (c *cooldowns) mark(category string, now time.Time) {
	c.mu.Lock()
	c.last[clockFor(category)] = now
	c.mu.Unlock()
}

func (c *cooldowns) setWindows(chat, voice time.Duration) {
	c.mu.Lock()
	c.windows[clockChat] = chat
	c.windows[clockVoice] = voice
	c.mu.Unlock()
}
