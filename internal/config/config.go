// Package config loads the firewatch configuration file (JSON5) and applies
// environment overrides for secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Duration is a time.Duration that reads and writes Go duration strings ("60s", "5m").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		// bare numbers are seconds
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
	return nil
}

// Config is the root configuration.
type Config struct {
	DataDir   string          `json:"data_dir"`
	Log       LogConfig       `json:"log"`
	MQTT      MQTTConfig      `json:"mqtt"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Artifact  ArtifactConfig  `json:"artifact"`
	Telephony TelephonyConfig `json:"telephony"`
	Storage   StorageConfig   `json:"storage"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

type MQTTConfig struct {
	BrokerURL string       `json:"broker_url"`
	ClientID  string       `json:"client_id"`
	Username  string       `json:"username,omitempty"`
	Password  string       `json:"password,omitempty"`
	QoS       byte         `json:"qos"`
	Topics    TopicsConfig `json:"topics"`
}

type TopicsConfig struct {
	Telemetry   string `json:"telemetry"`
	Events      string `json:"events"`
	Alerts      string `json:"alerts"`
	PhotoAlerts string `json:"photo_alerts"`
}

type WhatsAppConfig struct {
	SessionDir          string   `json:"session_dir"`
	QRTimeout           Duration `json:"qr_timeout"`
	PairingPollInterval Duration `json:"pairing_poll_interval"`
	PairingPollAttempts int      `json:"pairing_poll_attempts"`
	ReconnectDelay      Duration `json:"reconnect_delay"`
	SyncTimeout         Duration `json:"sync_timeout"`
	AutoConnect         bool     `json:"auto_connect"`
	DeviceName          string   `json:"device_name"`
}

type DispatchConfig struct {
	ChatCooldown    Duration `json:"chat_cooldown"`
	VoiceCooldown   Duration `json:"voice_cooldown"`
	Concurrency     int      `json:"concurrency"`
	Timezone        string   `json:"timezone"`
	VoiceOnPhoto    bool     `json:"voice_on_photo"`
	VoiceOnVerified bool     `json:"voice_on_verified"`
}

type ArtifactConfig struct {
	SnapshotDir  string   `json:"snapshot_dir"`
	FetchTimeout Duration `json:"fetch_timeout"`
	MaxBytes     int64    `json:"max_bytes"`
	MaxSide      int      `json:"max_side"`
}

type TelephonyConfig struct {
	BaseURL        string  `json:"base_url"`
	AccountSID     string  `json:"account_sid"`
	AuthToken      string  `json:"auth_token"`
	FromNumber     string  `json:"from_number"`
	Voice          string  `json:"voice"`
	Language       string  `json:"language"`
	StatusCallback string  `json:"status_callback,omitempty"`
	CallsPerSecond float64 `json:"calls_per_second"`
}

type StorageConfig struct {
	Backend string `json:"backend"` // file, sqlite
}

type MetricsConfig struct {
	Listen string `json:"listen,omitempty"`
}

// Default returns a config with every field set to its default.
func Default() *Config {
	return &Config{
		DataDir: "~/.firewatch",
		Log:     LogConfig{Level: "info", Format: "text"},
		MQTT: MQTTConfig{
			BrokerURL: "tcp://localhost:1883",
			ClientID:  "firewatch",
			QoS:       1,
			Topics: TopicsConfig{
				Telemetry:   "firewatch/sensors/telemetry",
				Events:      "firewatch/sensors/events",
				Alerts:      "firewatch/vision/alerts",
				PhotoAlerts: "firewatch/vision/alerts/photo",
			},
		},
		WhatsApp: WhatsAppConfig{
			QRTimeout:           Duration(60 * time.Second),
			PairingPollInterval: Duration(time.Second),
			PairingPollAttempts: 20,
			ReconnectDelay:      Duration(5 * time.Second),
			SyncTimeout:         Duration(20 * time.Second),
			AutoConnect:         true,
			DeviceName:          "Firewatch",
		},
		Dispatch: DispatchConfig{
			ChatCooldown:    Duration(60 * time.Second),
			VoiceCooldown:   Duration(5 * time.Minute),
			Concurrency:     1,
			Timezone:        "Local",
			VoiceOnPhoto:    true,
			VoiceOnVerified: true,
		},
		Artifact: ArtifactConfig{
			FetchTimeout: Duration(10 * time.Second),
			MaxBytes:     10 * 1024 * 1024,
			MaxSide:      1600,
		},
		Telephony: TelephonyConfig{
			BaseURL:        "https://api.twilio.com/2010-04-01",
			Voice:          "alice",
			Language:       "en-US",
			CallsPerSecond: 1,
		},
		Storage: StorageConfig{Backend: "file"},
	}
}

// Load reads the config file at path. A missing file yields defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.checkSessionDir(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("FIREWATCH_DATA_DIR", &c.DataDir)
	envStr("FIREWATCH_LOG_LEVEL", &c.Log.Level)
	envStr("FIREWATCH_MQTT_URL", &c.MQTT.BrokerURL)
	envStr("FIREWATCH_MQTT_USERNAME", &c.MQTT.Username)
	envStr("FIREWATCH_MQTT_PASSWORD", &c.MQTT.Password)
	envStr("FIREWATCH_TWILIO_SID", &c.Telephony.AccountSID)
	envStr("FIREWATCH_TWILIO_TOKEN", &c.Telephony.AuthToken)
	envStr("FIREWATCH_TWILIO_FROM", &c.Telephony.FromNumber)
	envStr("FIREWATCH_SNAPSHOT_DIR", &c.Artifact.SnapshotDir)
}

func (c *Config) normalize() {
	c.DataDir = ExpandHome(c.DataDir)
	if c.WhatsApp.SessionDir == "" {
		c.WhatsApp.SessionDir = filepath.Join(c.DataDir, "session")
	}
	c.WhatsApp.SessionDir = ExpandHome(c.WhatsApp.SessionDir)
	c.Artifact.SnapshotDir = ExpandHome(c.Artifact.SnapshotDir)
	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = 1
	}
	if c.WhatsApp.PairingPollAttempts <= 0 {
		c.WhatsApp.PairingPollAttempts = 20
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
}

// checkSessionDir rejects a session_dir that is data_dir or one of its
// ancestors, so deleting the session can never reach the recipient files.
func (c *Config) checkSessionDir() error {
	session, err := filepath.Abs(c.WhatsApp.SessionDir)
	if err != nil {
		return fmt.Errorf("whatsapp.session_dir: %w", err)
	}
	data, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}
	rel, err := filepath.Rel(session, data)
	if err != nil {
		return nil
	}
	if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return fmt.Errorf("whatsapp.session_dir %q must not be data_dir or contain it", c.WhatsApp.SessionDir)
	}
	return nil
}

// RecipientsPath is the JSON file holding chat recipients.
func (c *Config) RecipientsPath() string { return filepath.Join(c.DataDir, "recipients.json") }

// CallTargetsPath is the JSON file holding voice-call targets.
func (c *Config) CallTargetsPath() string { return filepath.Join(c.DataDir, "call_targets.json") }

// RegistryDBPath is the sqlite database used when storage.backend is "sqlite".
func (c *Config) RegistryDBPath() string { return filepath.Join(c.DataDir, "registry.db") }

// TestLimitsPath records recent test deliveries so their rate limit holds
// across CLI invocations.
func (c *Config) TestLimitsPath() string { return filepath.Join(c.DataDir, "test_limits.json") }

// Location resolves the dispatch timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Dispatch.Timezone == "" || c.Dispatch.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Dispatch.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ResolvePath returns the config path from $FIREWATCH_CONFIG or the default location.
func ResolvePath() string {
	if p := os.Getenv("FIREWATCH_CONFIG"); p != "" {
		return p
	}
	return ExpandHome("~/.firewatch/config.json5")
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
