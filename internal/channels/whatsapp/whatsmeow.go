package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"
)

const sessionDBName = "session.db"

// WhatsmeowTransport implements Transport over go.mau.fi/whatsmeow, with the
// device identity kept in a sqlite file inside the credential directory.
type WhatsmeowTransport struct {
	dir string

	mu      sync.Mutex
	db      *sql.DB
	client  *whatsmeow.Client
	handler func(Event)
	closed  bool
	qrStop  context.CancelFunc
}

// NewWhatsmeowFactory returns a TransportFactory. deviceName is shown in the
// phone's linked-devices list.
func NewWhatsmeowFactory(deviceName string) TransportFactory {
	if deviceName != "" {
		store.SetOSInfo(deviceName, [3]uint32{1, 0, 0})
	}
	return func(dir string) Transport {
		return &WhatsmeowTransport{dir: dir}
	}
}

func (w *WhatsmeowTransport) Open(ctx context.Context, handler func(Event)) (bool, error) {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return false, fmt.Errorf("create session dir: %w", err)
	}
	dsn := "file:" + filepath.Join(w.dir, sessionDBName) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return false, fmt.Errorf("open session db: %w", err)
	}

	logger := newSlogLogger("whatsmeow")
	container := sqlstore.NewWithDB(db, "sqlite", logger.Sub("store"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return false, fmt.Errorf("%w: upgrade session db: %v", ErrSessionInvalid, err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return false, fmt.Errorf("%w: load device: %v", ErrSessionInvalid, err)
	}

	client := whatsmeow.NewClient(device, logger.Sub("client"))
	client.EnableAutoReconnect = false

	w.mu.Lock()
	w.db = db
	w.client = client
	w.handler = handler
	w.mu.Unlock()

	client.AddEventHandler(w.onEvent)
	return device.ID != nil, nil
}

func (w *WhatsmeowTransport) StartQR(ctx context.Context) error {
	c := w.currentClient()
	if c == nil {
		return errors.New("transport not open")
	}
	qrCtx, cancel := context.WithCancel(context.Background())
	ch, err := c.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("qr channel: %w", err)
	}
	w.mu.Lock()
	w.qrStop = cancel
	w.mu.Unlock()

	go func() {
		for item := range ch {
			switch {
			case item.Event == "code":
				w.emit(EventQR{Code: item.Code})
			case item.Event == "timeout":
				w.emit(EventQRTimeout{})
			case item.Event == "success":
				// PairSuccess arrives through the event handler
			case item.Event == "error" || strings.HasPrefix(item.Event, "err-"):
				w.emit(EventFailure{Err: fmt.Errorf("qr linking: %s: %v", item.Event, item.Error), Permanent: true})
			}
		}
	}()

	if err := c.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (w *WhatsmeowTransport) Connect(ctx context.Context) error {
	c := w.currentClient()
	if c == nil {
		return errors.New("transport not open")
	}
	if err := c.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (w *WhatsmeowTransport) IsConnected() bool {
	c := w.currentClient()
	return c != nil && c.IsConnected()
}

func (w *WhatsmeowTransport) PairPhone(ctx context.Context, phone string) (string, error) {
	c := w.currentClient()
	if c == nil {
		return "", errors.New("transport not open")
	}
	code, err := c.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("pair phone: %w", err)
	}
	return code, nil
}

func (w *WhatsmeowTransport) SignOff(ctx context.Context) error {
	c := w.currentClient()
	if c == nil || !c.IsConnected() {
		return nil
	}
	return c.SendPresence(ctx, types.PresenceUnavailable)
}

func (w *WhatsmeowTransport) Logout(ctx context.Context) error {
	c := w.currentClient()
	if c == nil || c.Store.ID == nil {
		return nil
	}
	return c.Logout(ctx)
}

func (w *WhatsmeowTransport) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.handler = nil
	if w.qrStop != nil {
		w.qrStop()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			slog.Debug("whatsapp: close session db", "error", err)
		}
	}
}

func (w *WhatsmeowTransport) SendText(ctx context.Context, to, body string) error {
	c := w.currentClient()
	if c == nil {
		return ErrNotConnected
	}
	msg := &waE2E.Message{Conversation: proto.String(body)}
	_, err := c.SendMessage(ctx, types.NewJID(to, types.DefaultUserServer), msg)
	return err
}

func (w *WhatsmeowTransport) SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error {
	c := w.currentClient()
	if c == nil {
		return ErrNotConnected
	}
	up, err := c.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		Mimetype:      proto.String(mimeType),
		Caption:       proto.String(caption),
	}}
	_, err = c.SendMessage(ctx, types.NewJID(to, types.DefaultUserServer), msg)
	return err
}

func (w *WhatsmeowTransport) currentClient() *whatsmeow.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.client
}

func (w *WhatsmeowTransport) emit(ev Event) {
	w.mu.Lock()
	h := w.handler
	w.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// onEvent translates whatsmeow callbacks. Anything not listed is ignored.
func (w *WhatsmeowTransport) onEvent(raw interface{}) {
	switch e := raw.(type) {
	case *events.PairSuccess:
		w.emit(EventPairSuccess{ID: e.ID.String()})
	case *events.PairError:
		w.emit(EventFailure{Err: fmt.Errorf("pairing failed: %w", e.Error), Permanent: true})
	case *events.Connected:
		w.emit(EventConnected{})
	case *events.HistorySync:
		if e.Data != nil {
			w.emit(EventSyncProgress{Percent: int(e.Data.GetProgress())})
		}
	case *events.OfflineSyncCompleted:
		w.emit(EventSyncComplete{})
	case *events.LoggedOut:
		w.emit(EventLoggedOut{Reason: e.Reason.String()})
	case *events.StreamReplaced:
		// Credentials stay valid; the other client owns the stream now.
		w.emit(EventFailure{Err: errors.New("stream replaced by another client"), Permanent: true})
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			w.emit(EventLoggedOut{Reason: e.Reason.String()})
			return
		}
		w.emit(EventDisconnected{Err: fmt.Errorf("connect failure: %s %s", e.Reason.String(), e.Message)})
	case *events.ClientOutdated:
		w.emit(EventFailure{Err: errors.New("client version outdated"), Permanent: true})
	case *events.TemporaryBan:
		w.emit(EventFailure{Err: fmt.Errorf("temporary ban: %s", e.String()), Permanent: true})
	case *events.Disconnected:
		w.emit(EventDisconnected{Err: errors.New("stream disconnected")})
	case *events.KeepAliveTimeout:
		slog.Debug("whatsapp: keepalive timeout", "errors", e.ErrorCount)
	}
}

// slogLogger adapts waLog.Logger onto log/slog.
type slogLogger struct {
	module string
}

func newSlogLogger(module string) waLog.Logger {
	return slogLogger{module: module}
}

func (l slogLogger) Errorf(msg string, args ...interface{}) {
	slog.Error("whatsapp: "+fmt.Sprintf(msg, args...), "module", l.module)
}

func (l slogLogger) Warnf(msg string, args ...interface{}) {
	slog.Warn("whatsapp: "+fmt.Sprintf(msg, args...), "module", l.module)
}

func (l slogLogger) Infof(msg string, args ...interface{}) {
	slog.Debug("whatsapp: "+fmt.Sprintf(msg, args...), "module", l.module)
}

func (l slogLogger) Debugf(msg string, args ...interface{}) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	slog.Debug("whatsapp: "+fmt.Sprintf(msg, args...), "module", l.module)
}

func (l slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{module: l.module + "/" + module}
}
