package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/firewatch/internal/bus"
	"github.com/nextlevelbuilder/firewatch/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/firewatch/internal/dispatch"
	"github.com/nextlevelbuilder/firewatch/internal/recipients"
	"github.com/nextlevelbuilder/firewatch/internal/store"
	"github.com/nextlevelbuilder/firewatch/internal/telephony"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

type fakeConn struct {
	connectErr error
	state      whatsapp.ConnectionState
}

func (f *fakeConn) Connect(context.Context, string, string) error { return f.connectErr }
func (f *fakeConn) Resume(context.Context) error { return whatsapp.ErrNoSession }
func (f *fakeConn) Disconnect(context.Context) error { return nil }
func (f *fakeConn) DeleteSession(context.Context) error { return nil }
func (f *fakeConn) Status() whatsapp.ConnectionState { return f.state }

type fakeRegistry struct{ list []store.Recipient }

func (f *fakeRegistry) AddRecipient(phone, name string) (store.Recipient, error) {
	n, err := recipients.NormalizeChatNumber(phone)
	if err != nil {
		return store.Recipient{}, err
	}
	r := store.Recipient{ID: fmt.Sprint(len(f.list) + 1), PhoneNumber: n, Name: name}
	f.list = append(f.list, r)
	return r, nil
}
func (f *fakeRegistry) RemoveRecipient(string) error { return nil }
func (f *fakeRegistry) ListRecipients() ([]store.Recipient, error) { return f.list, nil }
func (f *fakeRegistry) AddCallTarget(string, string) (store.Recipient, error) {
	return store.Recipient{}, store.ErrNameTooLong
}
func (f *fakeRegistry) RemoveCallTarget(string) error { return nil }
func (f *fakeRegistry) ListCallTargets() ([]store.Recipient, error) { return nil, nil }

type fakeTester struct {
	sendErr error
	callErr error
	sends   int
}

func (f *fakeTester) TestSend(context.Context, string) error {
	f.sends++
	return f.sendErr
}

func (f *fakeTester) TestCall(context.Context, string) (*telephony.CallResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &telephony.CallResult{SID: "CA1", Status: "queued"}, nil
}

func TestErrorCodes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"already active", whatsapp.ErrAlreadyActive, protocol.ErrFailedPrecondition},
		{"bad phone", fmt.Errorf("%w: too short", whatsapp.ErrInvalidPhone), protocol.ErrInvalidRequest},
		{"no session", whatsapp.ErrNoSession, protocol.ErrNotLinked},
		{"stopped", whatsapp.ErrStopped, protocol.ErrUnavailable},
		{"other", errors.New("boom"), protocol.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakeConn{connectErr: tt.err}, &fakeRegistry{}, &fakeTester{})
			err := s.Connect(ctx, "", protocol.AuthQR)
			if got := CodeOf(err); got != tt.want {
				t.Fatalf("code = %s, want %s (%v)", got, tt.want, err)
			}
			if !errors.Is(err, tt.err) {
				t.Fatal("cause must stay reachable through errors.Is")
			}
		})
	}
}

func TestResumeWithoutSession(t *testing.T) {
	s := New(&fakeConn{}, &fakeRegistry{}, &fakeTester{})
	if err := s.Resume(context.Background()); CodeOf(err) != protocol.ErrNotLinked {
		t.Fatalf("resume: %v", err)
	}
}

func TestRegistryErrors(t *testing.T) {
	s := New(&fakeConn{}, &fakeRegistry{}, &fakeTester{})

	if _, err := s.AddRecipient("12345", ""); CodeOf(err) != protocol.ErrInvalidRequest {
		t.Fatalf("short number: %v", err)
	}
	r, err := s.AddRecipient("+62 812 3456 7890", "Ops")
	if err != nil {
		t.Fatal(err)
	}
	if r.PhoneNumber != "6281234567890" {
		t.Fatalf("phone = %s", r.PhoneNumber)
	}
	if _, err := s.AddCallTarget("+15555550100", "x"); CodeOf(err) != protocol.ErrInvalidRequest {
		t.Fatalf("long name: %v", err)
	}
}

func TestTestDeliveryCodes(t *testing.T) {
	ctx := context.Background()
	tester := &fakeTester{
		sendErr: dispatch.ErrChatNotReady,
		callErr: fmt.Errorf("test call to r1: %w", telephony.ErrUnverifiedNumber),
	}
	s := New(&fakeConn{}, &fakeRegistry{}, tester)

	if err := s.TestSend(ctx, "r1"); CodeOf(err) != protocol.ErrNotLinked {
		t.Fatalf("send: %v", err)
	}
	if _, err := s.TestCall(ctx, "r1"); CodeOf(err) != protocol.ErrUnverifiedNumber {
		t.Fatalf("call: %v", err)
	}
	tester.sendErr = fmt.Errorf("x: %w", dispatch.ErrRecipientNotFound)
	if err := s.TestSend(ctx, "r2"); CodeOf(err) != protocol.ErrNotFound {
		t.Fatalf("unknown: %v", err)
	}
}

func TestTestSendRateLimited(t *testing.T) {
	tester := &fakeTester{}
	s := New(&fakeConn{}, &fakeRegistry{}, tester)
	ctx := context.Background()

	var limited int
	for i := 0; i < 5; i++ {
		if err := s.TestSend(ctx, "r1"); err != nil {
			if CodeOf(err) != protocol.ErrUnavailable {
				t.Fatalf("unexpected error: %v", err)
			}
			limited++
		}
	}
	if limited == 0 || tester.sends+limited != 5 {
		t.Fatalf("sends=%d limited=%d", tester.sends, limited)
	}
	if err := s.TestSend(ctx, "r2"); err != nil {
		t.Fatalf("other recipients have their own budget: %v", err)
	}
}

func TestRateLimiterRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(60, 1)
	rl.now = func() time.Time { return now }

	if !rl.Allow("k") || rl.Allow("k") {
		t.Fatal("burst of 1 should allow exactly one request")
	}
	now = now.Add(1100 * time.Millisecond)
	if !rl.Allow("k") {
		t.Fatal("token should refill after a second")
	}
	if !NewRateLimiter(0, 0).Allow("k") {
		t.Fatal("disabled limiter must allow")
	}
}

func TestTestSendLimitSpansProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_limits.json")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	// Each surface stands in for one CLI invocation.
	run := func() error {
		rl := NewFileRateLimiter(TestDeliveriesPerMinute, TestDeliveryBurst, path)
		rl.now = clock
		s := New(&fakeConn{}, &fakeRegistry{}, &fakeTester{})
		s.SetLimiter(rl)
		return s.TestSend(ctx, "r1")
	}

	for i := 0; i < TestDeliveryBurst; i++ {
		if err := run(); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := run(); CodeOf(err) != protocol.ErrUnavailable {
		t.Fatalf("third send err = %v, want rate limited", err)
	}
	now = now.Add(11 * time.Second)
	if err := run(); err != nil {
		t.Fatalf("token should refill within 11s: %v", err)
	}
	if err := run(); CodeOf(err) != protocol.ErrUnavailable {
		t.Fatalf("err = %v, want rate limited again", err)
	}
}

func TestFileRateLimiterPrunesAndRecovers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.json")
	if err := os.WriteFile(path, []byte("{garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewFileRateLimiter(6, 1, path)
	rl.now = func() time.Time { return now }

	if !rl.Allow("old") {
		t.Fatal("unreadable state should start fresh")
	}
	now = now.Add(grantHistory + time.Minute)
	if !rl.Allow("new") {
		t.Fatal("fresh key should be allowed")
	}
	grants, err := readGrants(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := grants["old"]; ok || len(grants["new"]) != 1 {
		t.Fatalf("grants = %v, want only the recent key", grants)
	}
}

func TestAttachTracksConnectionState(t *testing.T) {
	mb := bus.New(1)
	s := New(&fakeConn{state: whatsapp.ConnectionState{Status: protocol.StatusDisconnected}}, &fakeRegistry{}, &fakeTester{})
	s.Attach(mb)
	// must not panic on unrelated or malformed notices
	mb.Broadcast(bus.Notice{Name: protocol.EventAlertDispatched, Payload: 1})
	mb.Broadcast(bus.Notice{Name: protocol.EventConnectionState, Payload: "bogus"})
	mb.Broadcast(bus.Notice{Name: protocol.EventConnectionState, Payload: whatsapp.ConnectionState{Status: protocol.StatusConnected}})
}
