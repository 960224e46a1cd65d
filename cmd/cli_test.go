package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/firewatch/internal/bus"
	"github.com/nextlevelbuilder/firewatch/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/firewatch/internal/config"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret("AC1234567890abcd"); got != "AC12********abcd" {
		t.Errorf("got %q", got)
	}
	if got := maskSecret("short"); got != "*****" {
		t.Errorf("got %q", got)
	}
}

func TestOpenRecipientStoreBackends(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.Default()
			cfg.DataDir = t.TempDir()
			cfg.Storage.Backend = backend

			s, err := openRecipientStore(cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()
			a := newApp(cfg, nil)
			if a.surface == nil || a.manager == nil {
				t.Fatal("app not wired")
			}
		})
	}

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage.Backend = "redis"
	if _, err := openRecipientStore(cfg); err == nil {
		t.Fatal("unknown backend should fail")
	}
}

func TestLinkPrinterWritesQRImage(t *testing.T) {
	dir := t.TempDir()
	mb := bus.New(1)
	mb.Subscribe("linking", linkPrinter(dir))

	mb.Broadcast(bus.Notice{Name: protocol.EventConnectionState, Payload: whatsapp.ConnectionState{
		Status:  protocol.StatusAwaitingQR,
		QRCode:  "2@abc,def,ghi",
		QRImage: []byte("png"),
	}})
	data, err := os.ReadFile(filepath.Join(dir, "qr.png"))
	if err != nil || string(data) != "png" {
		t.Fatalf("qr.png = %q, %v", data, err)
	}

	mb.Broadcast(bus.Notice{Name: protocol.EventConnectionState, Payload: whatsapp.ConnectionState{Status: protocol.StatusConnected}})
	if _, err := os.Stat(filepath.Join(dir, "qr.png")); !os.IsNotExist(err) {
		t.Fatal("qr.png should be removed once linked")
	}
}

func TestRedactConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Telephony.AuthToken = "0123456789abcdef"
	cfg.MQTT.Password = "hunter2"

	raw := redactConfig(cfg).(map[string]interface{})
	tel := raw["telephony"].(map[string]interface{})
	if tel["auth_token"] != "0123********cdef" {
		t.Errorf("auth_token = %v", tel["auth_token"])
	}
	mqtt := raw["mqtt"].(map[string]interface{})
	if mqtt["password"] != "*******" {
		t.Errorf("password = %v", mqtt["password"])
	}
	if mqtt["broker_url"] != cfg.MQTT.BrokerURL {
		t.Errorf("broker_url should not be redacted: %v", mqtt["broker_url"])
	}
}
