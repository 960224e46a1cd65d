package whatsapp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CredentialStore is the set of session.db* files (database, WAL, shared
// memory) in a directory. Other files in the directory are never touched.
// The Manager is its only writer.
type CredentialStore struct {
	dir string
}

// NewCredentialStore wraps dir. The directory is created lazily.
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{dir: dir}
}

// Dir returns the directory path.
func (c *CredentialStore) Dir() string { return c.dir }

func isCredentialFile(name string) bool {
	return name == sessionDBName || strings.HasPrefix(name, sessionDBName+"-")
}

// Files lists the credential files currently on disk.
func (c *CredentialStore) Files() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isCredentialFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(c.dir, e.Name()))
	}
	return files, nil
}

// HasSession reports whether any non-empty credential file exists.
func (c *CredentialStore) HasSession() bool {
	files, err := c.Files()
	if err != nil {
		return false
	}
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.Size() > 0 {
			return true
		}
	}
	return false
}

// Wipe removes the credential files. The directory and anything else in it
// are kept.
func (c *CredentialStore) Wipe() error {
	files, err := c.Files()
	if err != nil {
		return fmt.Errorf("read credential dir: %w", err)
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove credential %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}
