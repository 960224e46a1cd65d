package store

import (
	"time"

	"github.com/google/uuid"
)

// ListKind selects one of the two independent notification lists.
type ListKind string

const (
	ListRecipients  ListKind = "recipients"   // chat-message recipients
	ListCallTargets ListKind = "call_targets" // voice-call numbers
)

// Valid reports whether k names a known list.
func (k ListKind) Valid() bool {
	return k == ListRecipients || k == ListCallTargets
}

// Recipient is a notification target. The same shape serves both lists.
type Recipient struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phoneNumber"`
	Name        string    `json:"name"`
	AddedAt     time.Time `json:"addedAt"`
}

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// StoreConfig configures the registry backend.
type StoreConfig struct {
	// Backend: "file" (default) or "sqlite".
	Backend string

	// RecipientsPath and CallTargetsPath are the JSON files used by the file backend.
	RecipientsPath  string
	CallTargetsPath string

	// DBPath is the database file used by the sqlite backend.
	DBPath string
}
