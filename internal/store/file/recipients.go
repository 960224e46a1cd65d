// Package file implements store interfaces on top of JSON files.
package file

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/nextlevelbuilder/firewatch/internal/store"
)

// RecipientStore keeps each list in its own JSON file. Every mutation
// rewrites the affected file atomically (temp file, fsync, rename).
// Other processes may edit the files too: a list is re-read whenever its
// file was replaced since the last read.
type RecipientStore struct {
	paths map[store.ListKind]string
	lists map[store.ListKind][]store.Recipient
	seen  map[store.ListKind]os.FileInfo
	mu    sync.Mutex
}

// NewRecipientStore creates a store over the two files. Call Load before use.
func NewRecipientStore(recipientsPath, callTargetsPath string) *RecipientStore {
	return &RecipientStore{
		paths: map[store.ListKind]string{
			store.ListRecipients:  recipientsPath,
			store.ListCallTargets: callTargetsPath,
		},
		lists: map[store.ListKind][]store.Recipient{
			store.ListRecipients:  {},
			store.ListCallTargets: {},
		},
		seen: map[store.ListKind]os.FileInfo{},
	}
}

func (s *RecipientStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for kind := range s.paths {
		delete(s.seen, kind)
		if err := s.refreshLocked(kind); err != nil {
			return fmt.Errorf("load %s: %w", kind, err)
		}
	}
	return nil
}

func (s *RecipientStore) List(kind store.ListKind) ([]store.Recipient, error) {
	if !kind.Valid() {
		return nil, store.ErrUnknownList
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(kind); err != nil {
		slog.Warn("store: reload failed, serving last good list", "list", kind, "error", err)
	}
	result := make([]store.Recipient, len(s.lists[kind]))
	copy(result, s.lists[kind])
	return result, nil
}

func (s *RecipientStore) Add(kind store.ListKind, r store.Recipient) error {
	if !kind.Valid() {
		return store.ErrUnknownList
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(kind); err != nil {
		return fmt.Errorf("reload %s: %w", kind, err)
	}
	next := append(append([]store.Recipient(nil), s.lists[kind]...), r)
	if err := writeList(s.paths[kind], next); err != nil {
		return err
	}
	s.lists[kind] = next
	s.markSeenLocked(kind)
	return nil
}

func (s *RecipientStore) Remove(kind store.ListKind, id string) error {
	if !kind.Valid() {
		return store.ErrUnknownList
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(kind); err != nil {
		return fmt.Errorf("reload %s: %w", kind, err)
	}
	next := make([]store.Recipient, 0, len(s.lists[kind]))
	for _, r := range s.lists[kind] {
		if r.ID != id {
			next = append(next, r)
		}
	}
	if err := writeList(s.paths[kind], next); err != nil {
		return err
	}
	s.lists[kind] = next
	s.markSeenLocked(kind)
	return nil
}

func (s *RecipientStore) Close() error { return nil }

// --- Internal ---

// refreshLocked re-reads a list when its file differs from the one last
// read or written. A missing file is an empty list.
func (s *RecipientStore) refreshLocked(kind store.ListKind) error {
	path := s.paths[kind]
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		s.lists[kind] = []store.Recipient{}
		delete(s.seen, kind)
		return nil
	}
	if err != nil {
		return err
	}
	if prev, ok := s.seen[kind]; ok && sameVersion(prev, info) {
		return nil
	}
	list, err := readList(path)
	if err != nil {
		return err
	}
	s.lists[kind] = list
	s.seen[kind] = info
	return nil
}

func (s *RecipientStore) markSeenLocked(kind store.ListKind) {
	if info, err := os.Stat(s.paths[kind]); err == nil {
		s.seen[kind] = info
	}
}

// sameVersion treats a file as unchanged only if it is the same inode with
// the same size and mtime. Atomic replacement always yields a new inode.
func sameVersion(a, b os.FileInfo) bool {
	return os.SameFile(a, b) && a.Size() == b.Size() && a.ModTime().Equal(b.ModTime())
}

func readList(path string) ([]store.Recipient, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []store.Recipient{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []store.Recipient{}, nil
	}
	var list []store.Recipient
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if list == nil {
		list = []store.Recipient{}
	}
	return list, nil
}

func writeList(path string, list []store.Recipient) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0600))
	if err != nil {
		return fmt.Errorf("create pending file %s: %w", path, err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			slog.Debug("store: cleanup pending file", "path", path, "error", err)
		}
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
