package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.ChatCooldown.Std() != 60*time.Second {
		t.Errorf("chat cooldown = %v, want 60s", cfg.Dispatch.ChatCooldown.Std())
	}
	if cfg.WhatsApp.QRTimeout.Std() != 60*time.Second {
		t.Errorf("qr timeout = %v, want 60s", cfg.WhatsApp.QRTimeout.Std())
	}
	if cfg.WhatsApp.PairingPollAttempts != 20 {
		t.Errorf("poll attempts = %d, want 20", cfg.WhatsApp.PairingPollAttempts)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("backend = %q, want file", cfg.Storage.Backend)
	}
}

func TestLoad_JSON5WithDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	raw := `{
		// comments are allowed
		data_dir: "` + dir + `",
		dispatch: { chat_cooldown: "30s", voice_cooldown: 600, concurrency: 4 },
		storage: { backend: "SQLite" },
	}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.ChatCooldown.Std() != 30*time.Second {
		t.Errorf("chat cooldown = %v", cfg.Dispatch.ChatCooldown.Std())
	}
	if cfg.Dispatch.VoiceCooldown.Std() != 10*time.Minute {
		t.Errorf("voice cooldown = %v", cfg.Dispatch.VoiceCooldown.Std())
	}
	if cfg.Dispatch.Concurrency != 4 {
		t.Errorf("concurrency = %d", cfg.Dispatch.Concurrency)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.WhatsApp.SessionDir != filepath.Join(dir, "session") {
		t.Errorf("session dir = %q", cfg.WhatsApp.SessionDir)
	}
	if cfg.RecipientsPath() != filepath.Join(dir, "recipients.json") {
		t.Errorf("recipients path = %q", cfg.RecipientsPath())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FIREWATCH_TWILIO_SID", "AC123")
	t.Setenv("FIREWATCH_MQTT_URL", "tcp://broker:1883")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telephony.AccountSID != "AC123" {
		t.Errorf("account sid = %q", cfg.Telephony.AccountSID)
	}
	if cfg.MQTT.BrokerURL != "tcp://broker:1883" {
		t.Errorf("broker = %q", cfg.MQTT.BrokerURL)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{dispatch: {chat_cooldown: "soon"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad_SessionDirMustNotCoverDataDir(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	tests := []struct {
		name       string
		sessionDir string
		wantErr    bool
	}{
		{"equal to data dir", data, true},
		{"parent of data dir", dir, true},
		{"inside data dir", filepath.Join(data, "session"), false},
		{"sibling", filepath.Join(dir, "wa"), false},
		{"name prefix only", data + "-session", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "config.json5")
			raw := `{data_dir: "` + data + `", whatsapp: {session_dir: "` + tt.sessionDir + `"}}`
			if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
