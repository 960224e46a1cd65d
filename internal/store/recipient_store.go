package store

import "errors"

// ErrUnknownList is returned for a ListKind that is neither recipients nor call targets.
var ErrUnknownList = errors.New("unknown recipient list")

// RecipientStore persists the two recipient lists. Implementations write
// through on every mutation and preserve insertion order.
type RecipientStore interface {
	// Load (re)reads all lists from the backing store.
	Load() error
	// List returns a copy of the list in insertion order.
	List(kind ListKind) ([]Recipient, error)
	// Add appends r to the list and persists.
	Add(kind ListKind, r Recipient) error
	// Remove deletes the entry with id and persists. Missing ids are not an error.
	Remove(kind ListKind, id string) error
	// Close releases backing resources.
	Close() error
}
