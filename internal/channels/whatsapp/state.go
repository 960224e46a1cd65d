package whatsapp

import (
	"time"

	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

// ConnectionState is a point-in-time view of the chat channel.
// Only the Manager's coordinator goroutine produces new values.
type ConnectionState struct {
	Status       string    `json:"status"`
	AuthMethod   string    `json:"authMethod,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	PairingCode  string    `json:"pairingCode,omitempty"`
	QRCode       string    `json:"qrCode,omitempty"` // raw payload, for terminal rendering
	QRImage      []byte    `json:"qrImage,omitempty"`
	QRIssuedAt   time.Time `json:"qrIssuedAt,omitzero"`
	SyncProgress int       `json:"syncProgress"`
	LastActivity time.Time `json:"lastActivity,omitzero"`
	LastError    string    `json:"lastError,omitempty"`
}

func defaultState() ConnectionState {
	return ConnectionState{Status: protocol.StatusDisconnected}
}

// QRValid reports whether a QR image is present and younger than ttl at now.
func (s ConnectionState) QRValid(now time.Time, ttl time.Duration) bool {
	return len(s.QRImage) > 0 && !s.QRIssuedAt.IsZero() && now.Sub(s.QRIssuedAt) < ttl
}

// active reports whether a connection attempt or session is in progress.
func (s ConnectionState) active() bool {
	switch s.Status {
	case protocol.StatusConnecting, protocol.StatusSyncing, protocol.StatusConnected:
		return true
	}
	return false
}

func (s ConnectionState) clone() ConnectionState {
	c := s
	if s.QRImage != nil {
		c.QRImage = append([]byte(nil), s.QRImage...)
	}
	return c
}
