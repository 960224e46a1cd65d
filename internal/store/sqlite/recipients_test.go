package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/firewatch/internal/store"
)

func TestSQLiteRecipientStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := NewRecipientStore(path)
	if err != nil {
		t.Fatalf("NewRecipientStore: %v", err)
	}

	added := time.UnixMilli(1700000000000).UTC()
	for _, id := range []string{"b", "a", "c"} {
		if err := s.Add(store.ListRecipients, store.Recipient{ID: id, PhoneNumber: "6281234567890", AddedAt: added}); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}
	if err := s.Add(store.ListCallTargets, store.Recipient{ID: "call", PhoneNumber: "+15551234567", AddedAt: added}); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(store.ListRecipients, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(store.ListRecipients, "missing"); err != nil {
		t.Fatalf("removing missing id: %v", err)
	}
	s.Close()

	reopened, err := NewRecipientStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	list, err := reopened.List(store.ListRecipients)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "c" {
		t.Fatalf("recipients = %+v", list)
	}
	if !list[0].AddedAt.Equal(added) {
		t.Errorf("addedAt = %v, want %v", list[0].AddedAt, added)
	}

	calls, _ := reopened.List(store.ListCallTargets)
	if len(calls) != 1 || calls[0].ID != "call" {
		t.Errorf("call targets = %+v", calls)
	}
}
