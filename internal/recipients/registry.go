// Package recipients manages the chat-recipient and voice-call-target lists
// used by the alert dispatcher.
package recipients

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/firewatch/internal/store"
)

// MinPhoneDigits is the minimum digit count of a usable phone number.
const MinPhoneDigits = 10

// ErrInvalidPhone is returned when a phone number fails validation.
var ErrInvalidPhone = errors.New("invalid phone number")

var (
	nonDigits = regexp.MustCompile(`\D+`)
	// country code + subscriber number, no leading '+' once normalized
	chatNumberRe = regexp.MustCompile(`^\d{10,15}$`)
)

// NormalizeChatNumber strips formatting and returns the bare digits used as
// the messaging account address.
func NormalizeChatNumber(raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(raw, "")
	if !chatNumberRe.MatchString(digits) {
		return "", fmt.Errorf("%w: %q must be a country-coded number of 10-15 digits", ErrInvalidPhone, raw)
	}
	return digits, nil
}

// NormalizeCallNumber strips formatting and returns the E.164 form (+digits).
func NormalizeCallNumber(raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(raw, "")
	if len(digits) < MinPhoneDigits {
		return "", fmt.Errorf("%w: %q has %d digits, need at least %d", ErrInvalidPhone, raw, len(digits), MinPhoneDigits)
	}
	return "+" + digits, nil
}

// Registry validates and records recipients on top of a RecipientStore.
// Duplicate phone numbers are accepted.
type Registry struct {
	store store.RecipientStore
	now   func() time.Time
	mu    sync.Mutex
}

// New creates a registry over s.
func New(s store.RecipientStore) *Registry {
	return &Registry{store: s, now: time.Now}
}

// AddRecipient validates phone and appends a chat recipient.
func (r *Registry) AddRecipient(phone, name string) (store.Recipient, error) {
	normalized, err := NormalizeChatNumber(phone)
	if err != nil {
		return store.Recipient{}, err
	}
	return r.add(store.ListRecipients, normalized, name)
}

// RemoveRecipient deletes a chat recipient. Unknown ids are ignored.
func (r *Registry) RemoveRecipient(id string) error {
	return r.remove(store.ListRecipients, id)
}

// ListRecipients returns chat recipients in insertion order.
func (r *Registry) ListRecipients() ([]store.Recipient, error) {
	return r.store.List(store.ListRecipients)
}

// AddCallTarget validates phone and appends a voice-call target.
func (r *Registry) AddCallTarget(phone, name string) (store.Recipient, error) {
	normalized, err := NormalizeCallNumber(phone)
	if err != nil {
		return store.Recipient{}, err
	}
	return r.add(store.ListCallTargets, normalized, name)
}

// RemoveCallTarget deletes a voice-call target. Unknown ids are ignored.
func (r *Registry) RemoveCallTarget(id string) error {
	return r.remove(store.ListCallTargets, id)
}

// ListCallTargets returns voice-call targets in insertion order.
func (r *Registry) ListCallTargets() ([]store.Recipient, error) {
	return r.store.List(store.ListCallTargets)
}

func (r *Registry) add(kind store.ListKind, phone, name string) (store.Recipient, error) {
	name = strings.TrimSpace(name)
	if err := store.ValidateName(name); err != nil {
		return store.Recipient{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := store.Recipient{
		ID:          store.GenNewID(),
		PhoneNumber: phone,
		Name:        name,
		AddedAt:     r.now().UTC(),
	}
	if err := r.store.Add(kind, rec); err != nil {
		return store.Recipient{}, fmt.Errorf("persist %s: %w", kind, err)
	}

	slog.Info("registry: added", "list", kind, "id", rec.ID, "phone", maskPhone(phone))
	return rec, nil
}

func (r *Registry) remove(kind store.ListKind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Remove(kind, id); err != nil {
		return fmt.Errorf("persist %s: %w", kind, err)
	}
	slog.Info("registry: removed", "list", kind, "id", id)
	return nil
}

// maskPhone keeps the last four digits for logs.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
