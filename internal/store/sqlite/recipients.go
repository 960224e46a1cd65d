// Package sqlite implements store interfaces on an embedded SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/firewatch/internal/store"
)

// RecipientStore keeps both lists in one table, keyed by list name.
// Insertion order is tracked by an autoincrement sequence.
type RecipientStore struct {
	db *sql.DB
}

// NewRecipientStore opens (or creates) the database at dbPath.
func NewRecipientStore(dbPath string) (*RecipientStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &RecipientStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("registry store opened", "backend", "sqlite", "path", dbPath)
	return s, nil
}

func (s *RecipientStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS recipients (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		list TEXT NOT NULL,
		id TEXT NOT NULL,
		phone_number TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		added_at INTEGER NOT NULL,
		UNIQUE(list, id)
	)`)
	return err
}

// Load is a no-op: every read goes to the database.
func (s *RecipientStore) Load() error {
	return s.db.Ping()
}

func (s *RecipientStore) List(kind store.ListKind) ([]store.Recipient, error) {
	if !kind.Valid() {
		return nil, store.ErrUnknownList
	}
	rows, err := s.db.Query(
		`SELECT id, phone_number, name, added_at FROM recipients WHERE list = ? ORDER BY seq`,
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	result := []store.Recipient{}
	for rows.Next() {
		var r store.Recipient
		var addedAt int64
		if err := rows.Scan(&r.ID, &r.PhoneNumber, &r.Name, &addedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		r.AddedAt = time.UnixMilli(addedAt).UTC()
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *RecipientStore) Add(kind store.ListKind, r store.Recipient) error {
	if !kind.Valid() {
		return store.ErrUnknownList
	}
	_, err := s.db.Exec(
		`INSERT INTO recipients (list, id, phone_number, name, added_at) VALUES (?, ?, ?, ?, ?)`,
		string(kind), r.ID, r.PhoneNumber, r.Name, r.AddedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("add %s: %w", kind, err)
	}
	return nil
}

func (s *RecipientStore) Remove(kind store.ListKind, id string) error {
	if !kind.Valid() {
		return store.ErrUnknownList
	}
	if _, err := s.db.Exec(`DELETE FROM recipients WHERE list = ? AND id = ?`, string(kind), id); err != nil {
		return fmt.Errorf("remove %s: %w", kind, err)
	}
	return nil
}

func (s *RecipientStore) Close() error {
	return s.db.Close()
}
