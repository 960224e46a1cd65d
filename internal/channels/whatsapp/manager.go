// Package whatsapp owns the chat-messaging channel: linking (QR or pairing
// code), credential persistence, invalid-session recovery and reconnects.
//
// All state lives in a single coordinator goroutine (Run). Operator
// commands, protocol events and timer expirations are posted to its inbox
// and handled one at a time, so ConnectionState has exactly one writer.
// Readers get immutable snapshots through Status.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/nextlevelbuilder/firewatch/internal/bus"
	"github.com/nextlevelbuilder/firewatch/internal/recipients"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

var (
	ErrAlreadyActive  = errors.New("connection already in progress or established")
	ErrInvalidMethod  = errors.New("auth method must be \"qr\" or \"pairing\"")
	ErrInvalidPhone   = errors.New("pairing requires a country-coded phone number")
	ErrNoSession      = errors.New("no stored session to resume")
	ErrNotConnected   = errors.New("chat channel not connected")
	ErrSessionInvalid = errors.New("session invalid")
	ErrStopped        = errors.New("connection manager stopped")
)

// Config tunes the Manager's timers.
type Config struct {
	QRTimeout      time.Duration // QR validity window, default 60s
	PollInterval   time.Duration // pairing readiness poll, default 1s
	PollAttempts   int           // default 20
	ReconnectDelay time.Duration // fixed delay before redialing, default 5s
	SyncTimeout    time.Duration // declare connected if sync never completes, default 20s
	DialTimeout    time.Duration // bound on Open/Connect, default 30s
	CommandTimeout time.Duration // bound on sign-off/logout, default 10s
}

func (c *Config) applyDefaults() {
	if c.QRTimeout <= 0 {
		c.QRTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 20
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 20 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
}

// Manager is the channel connection manager.
type Manager struct {
	cfg          Config
	creds        *CredentialStore
	newTransport TransportFactory
	msgBus       *bus.MessageBus
	now          func() time.Time

	inbox    chan interface{}
	running  chan struct{}
	done     chan struct{}
	started  atomic.Bool
	snapshot atomic.Pointer[ConnectionState]

	// send path: read by dispatcher goroutines
	sendMu        sync.RWMutex
	sendTransport Transport

	// owned by the coordinator goroutine
	ctx            context.Context
	st             ConnectionState
	transport      Transport
	gen            uint64
	manual         bool
	qrTimer        *time.Timer
	syncTimer      *time.Timer
	reconnectTimer *time.Timer
	pollCancel     context.CancelFunc
}

// NewManager creates a manager in the disconnected state. msgBus may be nil.
func NewManager(cfg Config, creds *CredentialStore, factory TransportFactory, msgBus *bus.MessageBus) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:          cfg,
		creds:        creds,
		newTransport: factory,
		msgBus:       msgBus,
		now:          time.Now,
		inbox:        make(chan interface{}, 64),
		running:      make(chan struct{}),
		done:         make(chan struct{}),
		st:           defaultState(),
	}
	initial := m.st.clone()
	m.snapshot.Store(&initial)
	return m
}

// --- inbox messages ---

type connectCmd struct {
	phone  string
	method string // "" resumes a stored session
	reply  chan error
}

type disconnectCmd struct{ reply chan error }

type deleteSessionCmd struct{ reply chan error }

type protoEvent struct {
	gen uint64
	ev  Event
}

type qrExpired struct {
	gen      uint64
	issuedAt time.Time
}

type syncTimedOut struct{ gen uint64 }

type reconnectDue struct{ gen uint64 }

type pairingResult struct {
	gen  uint64
	code string
	err  error
}

// Run is the coordinator loop. It returns when ctx is cancelled, after
// tearing down any live connection. Credentials are kept.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("connection manager already running")
	}
	m.ctx = ctx
	close(m.running)
	defer close(m.done)

	slog.Info("whatsapp: connection manager started", "session_dir", m.creds.Dir())
	for {
		select {
		case <-ctx.Done():
			m.teardown()
			slog.Info("whatsapp: connection manager stopped")
			return nil
		case msg := <-m.inbox:
			m.handle(msg)
		}
	}
}

// Running is closed once Run has started accepting commands.
func (m *Manager) Running() <-chan struct{} { return m.running }

// Done is closed when Run has returned.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) handle(msg interface{}) {
	switch v := msg.(type) {
	case connectCmd:
		v.reply <- m.handleConnect(v)
	case disconnectCmd:
		v.reply <- m.handleDisconnect()
	case deleteSessionCmd:
		v.reply <- m.handleDeleteSession()
	case protoEvent:
		if v.gen != m.gen {
			slog.Debug("whatsapp: dropping event from stale transport", "event", fmt.Sprintf("%T", v.ev))
			return
		}
		m.handleEvent(v.ev)
	case qrExpired:
		m.handleQRExpired(v)
	case syncTimedOut:
		if v.gen == m.gen && m.st.Status == protocol.StatusSyncing {
			slog.Warn("whatsapp: history sync did not complete in time, marking connected")
			m.markConnected()
		}
	case reconnectDue:
		if v.gen == m.gen && m.st.Status == protocol.StatusConnecting && !m.manual {
			slog.Info("whatsapp: reconnecting")
			m.dial()
		}
	case pairingResult:
		m.handlePairingResult(v)
	}
}

// post delivers msg to the coordinator unless it has stopped.
func (m *Manager) post(msg interface{}) {
	select {
	case m.inbox <- msg:
	case <-m.done:
	}
}

func (m *Manager) submit(ctx context.Context, build func(chan error) interface{}) error {
	if !m.started.Load() {
		return ErrStopped
	}
	reply := make(chan error, 1)
	select {
	case m.inbox <- build(reply):
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- operator commands ---

// Connect starts linking with method ("qr" or "pairing"). phone is required
// for pairing. A stored session is deleted first when linking by QR.
func (m *Manager) Connect(ctx context.Context, phone, method string) error {
	if method != protocol.AuthQR && method != protocol.AuthPairing {
		return ErrInvalidMethod
	}
	return m.submit(ctx, func(reply chan error) interface{} {
		return connectCmd{phone: phone, method: method, reply: reply}
	})
}

// Resume reconnects with the stored session without relinking.
func (m *Manager) Resume(ctx context.Context) error {
	return m.submit(ctx, func(reply chan error) interface{} {
		return connectCmd{reply: reply}
	})
}

// Disconnect signs off gracefully (best effort) and tears the connection
// down. Credentials are kept. The state always ends in disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.submit(ctx, func(reply chan error) interface{} {
		return disconnectCmd{reply: reply}
	})
}

// DeleteSession tears down any connection, erases the credentials and
// resets the state. Recipient lists are not touched.
func (m *Manager) DeleteSession(ctx context.Context) error {
	return m.submit(ctx, func(reply chan error) interface{} {
		return deleteSessionCmd{reply: reply}
	})
}

// Status returns the current state. The QR image is dropped once it is
// older than the QR validity window.
func (m *Manager) Status() ConnectionState {
	s := m.snapshot.Load().clone()
	if len(s.QRImage) > 0 && !s.QRValid(m.now(), m.cfg.QRTimeout) {
		s.QRImage = nil
		s.QRCode = ""
	}
	return s
}

// Ready reports whether messages can be sent.
func (m *Manager) Ready() bool {
	return m.snapshot.Load().Status == protocol.StatusConnected
}

// SendText sends a text message to a phone number (digits only).
func (m *Manager) SendText(ctx context.Context, to, body string) error {
	t, err := m.readyTransport()
	if err != nil {
		return err
	}
	if err := t.SendText(ctx, to, body); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	m.touch()
	return nil
}

// SendImage sends an image with caption to a phone number (digits only).
func (m *Manager) SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error {
	t, err := m.readyTransport()
	if err != nil {
		return err
	}
	if err := t.SendImage(ctx, to, data, mimeType, caption); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	m.touch()
	return nil
}

func (m *Manager) readyTransport() (Transport, error) {
	if !m.Ready() {
		return nil, ErrNotConnected
	}
	m.sendMu.RLock()
	t := m.sendTransport
	m.sendMu.RUnlock()
	if t == nil {
		return nil, ErrNotConnected
	}
	return t, nil
}

// touch refreshes lastActivity in the published snapshot without a transition.
func (m *Manager) touch() {
	for {
		old := m.snapshot.Load()
		next := *old
		next.LastActivity = m.now()
		if m.snapshot.CompareAndSwap(old, &next) {
			return
		}
	}
}

// --- command handlers (coordinator goroutine) ---

func (m *Manager) handleConnect(c connectCmd) error {
	if m.st.active() {
		return ErrAlreadyActive
	}

	phone := ""
	switch c.method {
	case protocol.AuthPairing:
		normalized, err := recipients.NormalizeChatNumber(c.phone)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPhone, err)
		}
		phone = normalized
	case protocol.AuthQR:
		if m.creds.HasSession() {
			// a pairing-linked session reused in QR mode gets force-logged-out in a loop
			slog.Info("whatsapp: deleting stored session before qr linking")
			if err := m.creds.Wipe(); err != nil {
				return fmt.Errorf("delete stored session: %w", err)
			}
		}
	case "":
		if !m.creds.HasSession() {
			return ErrNoSession
		}
	}

	m.manual = false
	m.st.AuthMethod = c.method
	m.st.Phone = phone
	m.st.PairingCode = ""
	m.clearQR()
	m.st.SyncProgress = 0
	m.setState(protocol.StatusConnecting, "")
	m.dial()
	return nil
}

func (m *Manager) handleDisconnect() error {
	m.manual = true
	if t := m.transport; t != nil {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CommandTimeout)
		if err := t.SignOff(ctx); err != nil {
			slog.Warn("whatsapp: graceful sign-off failed, tearing down anyway", "error", err)
		}
		cancel()
	}
	m.teardown()
	m.st.PairingCode = ""
	m.clearQR()
	m.st.SyncProgress = 0
	m.setState(protocol.StatusDisconnected, "")
	slog.Info("whatsapp: disconnected by operator")
	return nil
}

func (m *Manager) handleDeleteSession() error {
	m.manual = true
	if t := m.transport; t != nil {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CommandTimeout)
		if err := t.Logout(ctx); err != nil {
			slog.Warn("whatsapp: logout failed, deleting local session anyway", "error", err)
		}
		cancel()
	}
	m.teardown()
	err := m.creds.Wipe()
	m.resetState("")
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	slog.Info("whatsapp: session deleted by operator")
	return nil
}

// --- protocol events (coordinator goroutine) ---

func (m *Manager) handleEvent(ev Event) {
	switch e := ev.(type) {
	case EventQR:
		m.issueQR(e.Code)

	case EventQRTimeout:
		if m.st.Status == protocol.StatusAwaitingQR {
			m.expireQR()
		}

	case EventPairSuccess:
		m.stopTimer(&m.qrTimer)
		m.clearQR()
		m.st.PairingCode = ""
		m.st.SyncProgress = 0
		m.setState(protocol.StatusSyncing, "")
		gen := m.gen
		m.armTimer(&m.syncTimer, m.cfg.SyncTimeout, func() { m.post(syncTimedOut{gen: gen}) })
		slog.Info("whatsapp: link accepted, syncing", "id", e.ID)

	case EventSyncProgress:
		if m.st.Status == protocol.StatusSyncing {
			m.st.SyncProgress = clamp(e.Percent, 0, 100)
			m.setState(protocol.StatusSyncing, "")
		}

	case EventSyncComplete:
		if m.st.Status == protocol.StatusSyncing {
			m.markConnected()
		}

	case EventConnected:
		if m.st.Status == protocol.StatusSyncing {
			return // wait for sync completion or the sync timeout
		}
		m.markConnected()

	case EventLoggedOut:
		m.invalidateSession(e.Reason)

	case EventDisconnected:
		m.handleDrop(e.Err)

	case EventFailure:
		if e.Permanent {
			m.teardown()
			m.clearQR()
			m.setState(protocol.StatusError, errString(e.Err))
			slog.Error("whatsapp: channel failed", "error", e.Err)
			return
		}
		m.handleDrop(e.Err)
	}
}

func (m *Manager) markConnected() {
	m.stopTimer(&m.syncTimer)
	m.clearQR()
	m.st.PairingCode = ""
	m.st.SyncProgress = 100
	m.setState(protocol.StatusConnected, "")
	slog.Info("whatsapp: connected")
}

func (m *Manager) issueQR(code string) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		slog.Error("whatsapp: render qr failed", "error", err)
		return
	}
	issued := m.now()
	m.st.QRCode = code
	m.st.QRImage = png
	m.st.QRIssuedAt = issued
	m.setState(protocol.StatusAwaitingQR, "")

	gen := m.gen
	m.armTimer(&m.qrTimer, m.cfg.QRTimeout, func() { m.post(qrExpired{gen: gen, issuedAt: issued}) })
	slog.Info("whatsapp: qr issued", "valid_for", m.cfg.QRTimeout)
}

func (m *Manager) handleQRExpired(v qrExpired) {
	if v.gen != m.gen || m.st.Status != protocol.StatusAwaitingQR || !m.st.QRIssuedAt.Equal(v.issuedAt) {
		return
	}
	m.expireQR()
}

func (m *Manager) expireQR() {
	m.teardown()
	m.clearQR()
	m.setState(protocol.StatusQRExpired, "qr code expired before it was scanned")
	slog.Warn("whatsapp: qr expired")
}

func (m *Manager) handlePairingResult(v pairingResult) {
	if v.gen != m.gen || m.st.Status != protocol.StatusConnecting {
		return
	}
	m.pollCancel = nil
	if v.err != nil {
		m.teardown()
		m.setState(protocol.StatusError, fmt.Sprintf("pairing code unavailable: %v", v.err))
		slog.Error("whatsapp: pairing code request failed", "error", v.err)
		return
	}
	m.st.PairingCode = v.code
	m.setState(protocol.StatusAwaitingPairing, "")
	slog.Info("whatsapp: pairing code issued", "phone", m.st.Phone)
}

// invalidateSession handles logged-out, bad-session and corrupted credentials:
// the stored session is deleted and a fresh link is required.
func (m *Manager) invalidateSession(reason string) {
	m.teardown()
	if err := m.creds.Wipe(); err != nil {
		slog.Error("whatsapp: failed to delete invalid session", "error", err)
	}
	m.resetState(fmt.Sprintf("session invalid: %s", reason))
	slog.Warn("whatsapp: session invalidated, relink required", "reason", reason)
}

// handleDrop schedules a redial after a transient failure. Credentials are kept.
func (m *Manager) handleDrop(err error) {
	if m.manual {
		return
	}
	switch m.st.Status {
	case protocol.StatusDisconnected, protocol.StatusQRExpired, protocol.StatusError:
		return
	}
	m.teardown()
	m.clearQR()
	m.st.PairingCode = ""
	m.setState(protocol.StatusConnecting, "connection lost: "+errString(err))
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	gen := m.gen
	m.armTimer(&m.reconnectTimer, m.cfg.ReconnectDelay, func() { m.post(reconnectDue{gen: gen}) })
	slog.Info("whatsapp: reconnect scheduled", "delay", m.cfg.ReconnectDelay)
}

// --- connection plumbing (coordinator goroutine) ---

// dial opens a fresh transport and starts the flow matching the stored
// session and auth method. Failures schedule a redial.
func (m *Manager) dial() {
	m.teardown()
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()

	handler := func(ev Event) { m.post(protoEvent{gen: gen, ev: ev}) }

	t := m.newTransport(m.creds.Dir())
	registered, err := t.Open(ctx, handler)
	if errors.Is(err, ErrSessionInvalid) {
		t.Close()
		slog.Warn("whatsapp: stored credentials unreadable, deleting", "error", err)
		if m.st.AuthMethod == "" {
			m.invalidateSession(err.Error())
			return
		}
		if werr := m.creds.Wipe(); werr != nil {
			slog.Error("whatsapp: failed to delete invalid session", "error", werr)
		}
		t = m.newTransport(m.creds.Dir())
		registered, err = t.Open(ctx, handler)
	}
	if err != nil {
		t.Close()
		m.failDial(err)
		return
	}
	m.setTransport(t)

	if registered {
		if err := t.Connect(ctx); err != nil {
			m.failDial(err)
		}
		return
	}

	switch m.st.AuthMethod {
	case protocol.AuthPairing:
		if err := t.Connect(ctx); err != nil {
			m.failDial(err)
			return
		}
		m.startPairingPoll(gen, t, m.st.Phone)
	case protocol.AuthQR:
		if err := t.StartQR(ctx); err != nil {
			m.failDial(err)
		}
	default:
		// resumed session turned out to be unlinked
		m.invalidateSession("stored session is not linked")
	}
}

func (m *Manager) failDial(err error) {
	m.teardown()
	if m.manual {
		return
	}
	m.setState(protocol.StatusConnecting, "connect failed: "+err.Error())
	slog.Warn("whatsapp: connect failed", "error", err)
	m.scheduleReconnect()
}

func (m *Manager) startPairingPoll(gen uint64, t Transport, phone string) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.pollCancel = cancel
	interval, attempts := m.cfg.PollInterval, m.cfg.PollAttempts

	go func() {
		defer cancel()
		if err := PollUntil(ctx, interval, attempts, t.IsConnected); err != nil {
			m.post(pairingResult{gen: gen, err: err})
			return
		}
		code, err := t.PairPhone(ctx, phone)
		m.post(pairingResult{gen: gen, code: code, err: err})
	}()
}

// teardown stops timers and the pairing poll, and closes the transport.
// Bumping the generation fences off late events from the old transport.
func (m *Manager) teardown() {
	m.stopTimer(&m.qrTimer)
	m.stopTimer(&m.syncTimer)
	m.stopTimer(&m.reconnectTimer)
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
	if m.transport != nil {
		t := m.transport
		m.setTransport(nil)
		t.Close()
		m.gen++
	}
}

func (m *Manager) setTransport(t Transport) {
	m.transport = t
	m.sendMu.Lock()
	m.sendTransport = t
	m.sendMu.Unlock()
}

// armTimer replaces *slot with a one-shot timer running fn after d.
func (m *Manager) armTimer(slot **time.Timer, d time.Duration, fn func()) {
	m.stopTimer(slot)
	*slot = time.AfterFunc(d, fn)
}

func (m *Manager) stopTimer(slot **time.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

// --- state publication ---

func (m *Manager) clearQR() {
	m.st.QRCode = ""
	m.st.QRImage = nil
	m.st.QRIssuedAt = time.Time{}
}

func (m *Manager) resetState(lastError string) {
	m.st = defaultState()
	m.setState(protocol.StatusDisconnected, lastError)
}

// setState records a transition and publishes the new snapshot.
func (m *Manager) setState(status, lastError string) {
	prev := m.snapshot.Load().Status
	m.st.Status = status
	m.st.LastError = lastError
	m.st.LastActivity = m.now()

	snap := m.st.clone()
	m.snapshot.Store(&snap)

	if prev != status {
		slog.Debug("whatsapp: state", "from", prev, "to", status, "error", lastError)
	}
	if m.msgBus != nil {
		m.msgBus.Broadcast(bus.Notice{Name: protocol.EventConnectionState, Payload: snap.clone()})
	}
}

// RenderQRTerminal renders a QR payload for a terminal.
func RenderQRTerminal(code string) (string, error) {
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
