// Package telephony places outbound voice calls that read a synthesized
// script to the callee. The client speaks the Twilio-compatible REST API.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrNotConfigured is returned when account credentials are missing.
	ErrNotConfigured = errors.New("telephony not configured")
	// ErrUnverifiedNumber marks the provider's trial/sandbox restriction:
	// the destination must be verified on the account before it can be called.
	ErrUnverifiedNumber = errors.New("destination number not verified on this provider account")
)

// CallResult is the provider's acknowledgement of a placed call.
type CallResult struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	AccountSID     string
	AuthToken      string
	FromNumber     string
	Voice          string  // default "alice"
	Language       string  // default "en-US"
	StatusCallback string  // optional URL for call status updates
	CallsPerSecond float64 // default 1
	Timeout        time.Duration
	Retry          RetryConfig
	HTTPClient     *http.Client
}

// Client places calls.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates a telephony client, applying defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Voice == "" {
		cfg.Voice = "alice"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.CallsPerSecond <= 0 {
		cfg.CallsPerSecond = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.Retry.applyDefaults()
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1),
	}
}

// Configured reports whether credentials and a caller id are present.
func (c *Client) Configured() bool {
	return c.cfg.AccountSID != "" && c.cfg.AuthToken != "" && c.cfg.FromNumber != ""
}

// PlaceCall dials to and reads script when the call is answered. Network
// errors, 429 and 5xx responses are retried with backoff.
func (c *Client) PlaceCall(ctx context.Context, to, script string) (*CallResult, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	twiml, err := buildTwiML(script, c.cfg.Voice, c.cfg.Language)
	if err != nil {
		return nil, err
	}

	res, attempts, err := withRetry(ctx, c.cfg.Retry, func() (*CallResult, error) {
		return c.placeOnce(ctx, to, twiml)
	})
	if err != nil {
		if attempts > 1 {
			return nil, fmt.Errorf("after %d attempts: %w", attempts, err)
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) placeOnce(ctx context.Context, to, twiml string) (*CallResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("call rate limit: %w", err)
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Twiml", twiml)
	if c.cfg.StatusCallback != "" {
		form.Set("StatusCallback", c.cfg.StatusCallback)
		form.Add("StatusCallbackEvent", "initiated")
		form.Add("StatusCallbackEvent", "answered")
		form.Add("StatusCallbackEvent", "completed")
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("call request failed: %w", err)
		}
		return nil, fmt.Errorf("call request failed: %w: %w", errTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read call response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, classifyError(resp.StatusCode, body)
	}

	var result CallResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode call response: %w", err)
	}
	if result.To == "" {
		result.To = to
	}

	slog.Info("telephony: call placed", "sid", result.SID, "status", result.Status)
	return &result, nil
}

type providerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Provider error codes meaning the destination is not verified on a trial account.
var unverifiedCodes = map[int]bool{21210: true, 21219: true, 21608: true}

func classifyError(status int, body []byte) error {
	var pe providerError
	_ = json.Unmarshal(body, &pe)
	msg := pe.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	raw := fmt.Sprintf("provider error %d (code %d): %s", status, pe.Code, msg)
	switch {
	case IsUnverifiedMessage(msg) || unverifiedCodes[pe.Code]:
		return fmt.Errorf("%w: %s", ErrUnverifiedNumber, raw)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s", errTransient, raw)
	}
	return errors.New(raw)
}

// IsUnverifiedMessage detects the trial-account restriction from error text.
func IsUnverifiedMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"unverified",
		"not verified",
		"not yet verified",
		"trial account",
		"verify this number",
	)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// buildTwiML renders the call document. The script is read twice with a pause.
func buildTwiML(script, voice, language string) (string, error) {
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(script)); err != nil {
		return "", fmt.Errorf("escape script: %w", err)
	}
	say := fmt.Sprintf(`<Say voice="%s" language="%s">%s</Say>`, voice, language, escaped.String())
	return `<?xml version="1.0" encoding="UTF-8"?><Response>` + say + `<Pause length="1"/>` + say + `</Response>`, nil
}
