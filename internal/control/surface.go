// Package control is the operator control surface: linking, session and
// recipient management, and test deliveries. Every error it returns carries
// a code from pkg/protocol.
package control

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/firewatch/internal/bus"
	"github.com/nextlevelbuilder/firewatch/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/firewatch/internal/metrics"
	"github.com/nextlevelbuilder/firewatch/internal/store"
	"github.com/nextlevelbuilder/firewatch/internal/telephony"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

// Connection is the chat connection manager.
type Connection interface {
	Connect(ctx context.Context, phone, method string) error
	Resume(ctx context.Context) error
	Disconnect(ctx context.Context) error
	DeleteSession(ctx context.Context) error
	Status() whatsapp.ConnectionState
}

// Registry manages the two recipient lists.
type Registry interface {
	AddRecipient(phone, name string) (store.Recipient, error)
	RemoveRecipient(id string) error
	ListRecipients() ([]store.Recipient, error)
	AddCallTarget(phone, name string) (store.Recipient, error)
	RemoveCallTarget(id string) error
	ListCallTargets() ([]store.Recipient, error)
}

// Tester sends test deliveries outside the cooldown rules.
type Tester interface {
	TestSend(ctx context.Context, recipientID string) error
	TestCall(ctx context.Context, targetID string) (*telephony.CallResult, error)
}

// Surface bundles the operator operations.
type Surface struct {
	conn    Connection
	reg     Registry
	tester  Tester
	limiter *RateLimiter
}

// Test deliveries per target: TestDeliveriesPerMinute with bursts of
// TestDeliveryBurst.
const (
	TestDeliveriesPerMinute = 6
	TestDeliveryBurst       = 2
)

// New creates a surface with an in-process test-delivery limit. Use
// SetLimiter to share the limit across processes.
func New(conn Connection, reg Registry, tester Tester) *Surface {
	return &Surface{conn: conn, reg: reg, tester: tester, limiter: NewRateLimiter(TestDeliveriesPerMinute, TestDeliveryBurst)}
}

// SetLimiter replaces the test-delivery limiter. Call before use.
func (s *Surface) SetLimiter(rl *RateLimiter) { s.limiter = rl }

// Attach subscribes to bus notices to keep the connection gauge current.
func (s *Surface) Attach(mb *bus.MessageBus) {
	metrics.SetConnectionStatus(s.conn.Status().Status)
	mb.Subscribe("control", func(n bus.Notice) {
		if n.Name != protocol.EventConnectionState {
			return
		}
		if st, ok := n.Payload.(whatsapp.ConnectionState); ok {
			metrics.SetConnectionStatus(st.Status)
		}
	})
}

// Connect starts linking with method "qr" or "pairing".
func (s *Surface) Connect(ctx context.Context, phone, method string) error {
	slog.Info("control: connect requested", "method", method)
	return wrap("connect", s.conn.Connect(ctx, phone, method))
}

// Resume reconnects with the stored session.
func (s *Surface) Resume(ctx context.Context) error {
	return wrap("resume", s.conn.Resume(ctx))
}

// Disconnect signs off and keeps credentials.
func (s *Surface) Disconnect(ctx context.Context) error {
	slog.Info("control: disconnect requested")
	return wrap("disconnect", s.conn.Disconnect(ctx))
}

// DeleteSession erases credentials. Recipient lists are kept.
func (s *Surface) DeleteSession(ctx context.Context) error {
	slog.Info("control: delete session requested")
	return wrap("delete session", s.conn.DeleteSession(ctx))
}

// Status returns the current connection state.
func (s *Surface) Status() whatsapp.ConnectionState {
	return s.conn.Status()
}

func (s *Surface) AddRecipient(phone, name string) (store.Recipient, error) {
	r, err := s.reg.AddRecipient(phone, name)
	return r, wrap("add recipient", err)
}

func (s *Surface) RemoveRecipient(id string) error {
	return wrap("remove recipient", s.reg.RemoveRecipient(id))
}

func (s *Surface) ListRecipients() ([]store.Recipient, error) {
	list, err := s.reg.ListRecipients()
	return list, wrap("list recipients", err)
}

func (s *Surface) AddCallTarget(phone, name string) (store.Recipient, error) {
	r, err := s.reg.AddCallTarget(phone, name)
	return r, wrap("add call target", err)
}

func (s *Surface) RemoveCallTarget(id string) error {
	return wrap("remove call target", s.reg.RemoveCallTarget(id))
}

func (s *Surface) ListCallTargets() ([]store.Recipient, error) {
	list, err := s.reg.ListCallTargets()
	return list, wrap("list call targets", err)
}

// TestSend sends a test chat message to one recipient.
func (s *Surface) TestSend(ctx context.Context, recipientID string) error {
	if !s.limiter.Allow("send:" + recipientID) {
		return wrap("test send", errRateLimited)
	}
	return wrap("test send", s.tester.TestSend(ctx, recipientID))
}

// TestCall places a test call to one call target.
func (s *Surface) TestCall(ctx context.Context, targetID string) (*telephony.CallResult, error) {
	if !s.limiter.Allow("call:" + targetID) {
		return nil, wrap("test call", errRateLimited)
	}
	res, err := s.tester.TestCall(ctx, targetID)
	return res, wrap("test call", err)
}
