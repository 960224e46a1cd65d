package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/firewatch/internal/store"
)

func newTestStore(t *testing.T) (*RecipientStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileStore(store.StoreConfig{
		RecipientsPath:  filepath.Join(dir, "recipients.json"),
		CallTargetsPath: filepath.Join(dir, "call_targets.json"),
	})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s, dir
}

func TestRecipientStore_AddPersistsAndReloads(t *testing.T) {
	s, dir := newTestStore(t)

	r := store.Recipient{ID: "a", PhoneNumber: "6281234567890", Name: "Ops", AddedAt: time.Unix(100, 0).UTC()}
	if err := s.Add(store.ListRecipients, r); err != nil {
		t.Fatalf("Add: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "recipients.json"))
	if err != nil {
		t.Fatalf("recipients file not written: %v", err)
	}
	var onDisk []store.Recipient
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("file is not a JSON list: %v", err)
	}
	if len(onDisk) != 1 || onDisk[0].ID != "a" {
		t.Fatalf("on disk = %+v", onDisk)
	}

	reopened := NewRecipientStore(filepath.Join(dir, "recipients.json"), filepath.Join(dir, "call_targets.json"))
	if err := reopened.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	list, _ := reopened.List(store.ListRecipients)
	if len(list) != 1 || list[0].PhoneNumber != "6281234567890" {
		t.Errorf("reloaded = %+v", list)
	}
	calls, _ := reopened.List(store.ListCallTargets)
	if len(calls) != 0 {
		t.Errorf("call targets leaked: %+v", calls)
	}
}

func TestRecipientStore_RemoveIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"1", "2", "3"} {
		if err := s.Add(store.ListCallTargets, store.Recipient{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Remove(store.ListCallTargets, "2"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(store.ListCallTargets, "missing"); err != nil {
		t.Fatalf("Remove missing id: %v", err)
	}

	list, _ := s.List(store.ListCallTargets)
	if len(list) != 2 || list[0].ID != "1" || list[1].ID != "3" {
		t.Errorf("order not preserved: %+v", list)
	}
}

func TestRecipientStore_ListIsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Add(store.ListRecipients, store.Recipient{ID: "x", Name: "orig"}); err != nil {
		t.Fatal(err)
	}
	list, _ := s.List(store.ListRecipients)
	list[0].Name = "mutated"

	again, _ := s.List(store.ListRecipients)
	if again[0].Name != "orig" {
		t.Error("List returned shared backing array")
	}
}

func TestRecipientStore_UnknownList(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.List("nope"); err != store.ErrUnknownList {
		t.Errorf("err = %v, want ErrUnknownList", err)
	}
}

func TestRecipientStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recipients.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	s := NewRecipientStore(path, filepath.Join(dir, "call_targets.json"))
	if err := s.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRecipientStore_SeesChangesFromOtherStore(t *testing.T) {
	dir := t.TempDir()
	cfg := store.StoreConfig{
		RecipientsPath:  filepath.Join(dir, "recipients.json"),
		CallTargetsPath: filepath.Join(dir, "call_targets.json"),
	}
	long, err := NewFileStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if list, _ := long.List(store.ListRecipients); len(list) != 0 {
		t.Fatalf("fresh store = %+v", list)
	}

	other, err := NewFileStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Add(store.ListRecipients, store.Recipient{ID: "a", PhoneNumber: "15555550101"}); err != nil {
		t.Fatal(err)
	}
	if err := other.Add(store.ListCallTargets, store.Recipient{ID: "c", PhoneNumber: "15555550199"}); err != nil {
		t.Fatal(err)
	}

	list, err := long.List(store.ListRecipients)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("recipients after external add = %+v", list)
	}
	if calls, _ := long.List(store.ListCallTargets); len(calls) != 1 {
		t.Fatalf("call targets after external add = %+v", calls)
	}

	// A mutation starts from the latest file, not the stale copy.
	if err := long.Add(store.ListRecipients, store.Recipient{ID: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := other.Remove(store.ListRecipients, "a"); err != nil {
		t.Fatal(err)
	}
	list, _ = long.List(store.ListRecipients)
	if len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("recipients after external remove = %+v", list)
	}
}

func TestRecipientStore_DeletedFileIsEmpty(t *testing.T) {
	s, dir := newTestStore(t)
	if err := s.Add(store.ListRecipients, store.Recipient{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "recipients.json")); err != nil {
		t.Fatal(err)
	}
	if list, _ := s.List(store.ListRecipients); len(list) != 0 {
		t.Fatalf("list after file removal = %+v", list)
	}
}

func TestRecipientStore_CorruptUpdateKeepsLastGoodList(t *testing.T) {
	s, dir := newTestStore(t)
	if err := s.Add(store.ListRecipients, store.Recipient{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "recipients.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	list, err := s.List(store.ListRecipients)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %+v, %v; want last good list", list, err)
	}
	if err := s.Add(store.ListRecipients, store.Recipient{ID: "b"}); err == nil {
		t.Fatal("mutation over a corrupt file should fail")
	}
}
