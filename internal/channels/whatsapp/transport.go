package whatsapp

import "context"

// Transport is the capability boundary over the messaging provider SDK.
// A Transport is single-use: the Manager opens one per connection attempt
// and closes it on teardown.
type Transport interface {
	// Open loads the persisted session from the credential directory and
	// registers handler for protocol events. registered reports whether the
	// session carries a linked identity. Unreadable credentials yield an
	// error wrapping ErrSessionInvalid.
	Open(ctx context.Context, handler func(Event)) (registered bool, err error)
	// StartQR begins QR linking; codes arrive as EventQR.
	StartQR(ctx context.Context) error
	// Connect opens the network connection.
	Connect(ctx context.Context) error
	// IsConnected reports whether the network connection is up.
	IsConnected() bool
	// PairPhone requests a pairing code for phone (digits only).
	PairPhone(ctx context.Context, phone string) (string, error)
	// SignOff announces a graceful departure without unlinking.
	SignOff(ctx context.Context) error
	// Logout unlinks this device from the account.
	Logout(ctx context.Context) error
	// Close releases all resources. Safe to call more than once.
	Close()

	SendText(ctx context.Context, to, body string) error
	SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error
}

// TransportFactory creates a Transport bound to the credential directory.
type TransportFactory func(sessionDir string) Transport

// Event is a protocol callback translated into the Manager's vocabulary.
type Event interface{ isEvent() }

// EventQR carries a fresh QR payload.
type EventQR struct{ Code string }

// EventQRTimeout means the provider stopped issuing QR codes.
type EventQRTimeout struct{}

// EventPairSuccess means the link was accepted.
type EventPairSuccess struct{ ID string }

// EventConnected means the session is authenticated and online.
type EventConnected struct{}

// EventSyncProgress reports history-sync progress (0..100).
type EventSyncProgress struct{ Percent int }

// EventSyncComplete means the initial sync finished.
type EventSyncComplete struct{}

// EventLoggedOut means the session was revoked or is unusable.
type EventLoggedOut struct{ Reason string }

// EventDisconnected is a network drop that keeps credentials valid.
type EventDisconnected struct{ Err error }

// EventFailure is a non-network failure. Permanent failures stop reconnects.
type EventFailure struct {
	Err       error
	Permanent bool
}

func (EventQR) isEvent()           {}
func (EventQRTimeout) isEvent()    {}
func (EventPairSuccess) isEvent()  {}
func (EventConnected) isEvent()    {}
func (EventSyncProgress) isEvent() {}
func (EventSyncComplete) isEvent() {}
func (EventLoggedOut) isEvent()    {}
func (EventDisconnected) isEvent() {}
func (EventFailure) isEvent()      {}
