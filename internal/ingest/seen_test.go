package ingest

import (
	"testing"
	"time"
)

func TestSeenDetectionsWindow(t *testing.T) {
	s := newSeenDetections(time.Minute, 10)
	at := time.Unix(1000, 0)

	if s.check("fw/alerts|d1", at) {
		t.Fatal("first sighting reported as seen")
	}
	if !s.check("fw/alerts|d1", at.Add(30*time.Second)) {
		t.Fatal("redelivery inside the window not caught")
	}
	if s.check("fw/alerts|d1", at.Add(2*time.Minute)) {
		t.Fatal("sighting after the window reported as seen")
	}
}

func TestSeenDetectionsEvictsLeastRecent(t *testing.T) {
	s := newSeenDetections(time.Hour, 3)
	at := time.Unix(1000, 0)
	for _, id := range []string{"a", "b", "c"} {
		s.check(id, at)
	}
	s.check("a", at) // refresh a
	s.check("d", at) // evicts b

	if s.len() != 3 {
		t.Fatalf("len = %d, want 3", s.len())
	}
	if !s.check("a", at) {
		t.Error("recently seen a was evicted")
	}
	if s.check("b", at) {
		t.Error("least recent b should have been evicted")
	}
}
