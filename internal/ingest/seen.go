package ingest

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// seenDetections remembers detection IDs for a window so broker
// redeliveries (QoS 1 retransmits, camera retries) alert once. When full,
// the least recently seen ID is forgotten first.
type seenDetections struct {
	mu     sync.Mutex
	ids    *lru.Cache[string, time.Time]
	window time.Duration
}

func newSeenDetections(window time.Duration, capacity int) *seenDetections {
	ids, err := lru.New[string, time.Time](capacity)
	if err != nil {
		// Only a non-positive capacity fails.
		panic(err)
	}
	return &seenDetections{ids: ids, window: window}
}

// check records key at now and reports whether it was already recorded
// within the window.
func (s *seenDetections) check(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.ids.Get(key); ok && now.Sub(at) < s.window {
		return true
	}
	s.ids.Add(key, now)
	return false
}

func (s *seenDetections) len() int { return s.ids.Len() }
