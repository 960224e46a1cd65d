// Package dispatch turns normalized events into operator notifications:
// category selection, cooldowns, message composition and per-recipient
// fan-out over the chat and voice channels.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/firewatch/internal/artifact"
	"github.com/nextlevelbuilder/firewatch/internal/bus"
	"github.com/nextlevelbuilder/firewatch/internal/events"
	"github.com/nextlevelbuilder/firewatch/internal/metrics"
	"github.com/nextlevelbuilder/firewatch/internal/store"
	"github.com/nextlevelbuilder/firewatch/internal/telephony"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

var (
	// ErrRecipientNotFound is returned by TestSend/TestCall for unknown ids.
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrChatNotReady      = errors.New("chat channel not connected")
)

// Suppression reasons.
const (
	ReasonCooldown      = "cooldown"
	ReasonNotConnected  = "not_connected"
	ReasonNoRecipients  = "no_recipients"
	ReasonNotConfigured = "not_configured"
)

// ChatSender is the chat channel as seen by the dispatcher.
type ChatSender interface {
	Ready() bool
	SendText(ctx context.Context, to, body string) error
	SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error
}

// Caller places voice calls.
type Caller interface {
	Configured() bool
	PlaceCall(ctx context.Context, to, script string) (*telephony.CallResult, error)
}

// EvidenceResolver locates the photo for a detection.
type EvidenceResolver interface {
	Resolve(ctx context.Context, ref events.SnapshotRef) (*artifact.Artifact, error)
}

// Directory lists the current recipients.
type Directory interface {
	ListRecipients() ([]store.Recipient, error)
	ListCallTargets() ([]store.Recipient, error)
}

// Config controls dispatch policy.
type Config struct {
	ChatCooldown    time.Duration
	VoiceCooldown   time.Duration
	Concurrency     int // parallel sends per fan-out, default 1
	Location        *time.Location
	VoiceOnPhoto    bool // photo alerts also trigger calls
	VoiceOnVerified bool // verified detections also trigger calls
	SendTimeout     time.Duration
}

// Delivery is the result for one recipient.
type Delivery struct {
	RecipientID string `json:"recipientId"`
	Phone       string `json:"phone"`
	CallSID     string `json:"callSid,omitempty"`
	CallStatus  string `json:"callStatus,omitempty"`
	Error       string `json:"error,omitempty"`
	Unverified  bool   `json:"unverified,omitempty"`
}

// Outcome summarizes one category dispatch.
type Outcome struct {
	Category   string     `json:"category"`
	Suppressed string     `json:"suppressed,omitempty"`
	Evidence   string     `json:"evidence,omitempty"` // artifact source or "unavailable"
	Deliveries []Delivery `json:"deliveries,omitempty"`
	Succeeded  int        `json:"succeeded"`
}

// Dispatcher consumes bus envelopes and notifies operators.
type Dispatcher struct {
	cfg      Config
	chat     ChatSender
	caller   Caller
	evidence EvidenceResolver
	dir      Directory
	msgBus   *bus.MessageBus
	cool     *cooldowns
	compose  composer
	now      func() time.Time
}

// New creates a dispatcher. msgBus may be nil when only Dispatch is used.
func New(cfg Config, chat ChatSender, caller Caller, evidence EvidenceResolver, dir Directory, msgBus *bus.MessageBus) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		chat:     chat,
		caller:   caller,
		evidence: evidence,
		dir:      dir,
		msgBus:   msgBus,
		cool:     newCooldowns(cfg.ChatCooldown, cfg.VoiceCooldown),
		compose:  composer{loc: cfg.Location},
		now:      time.Now,
	}
}

// UpdateCooldowns changes the cooldown windows. Existing timestamps are kept.
func (d *Dispatcher) UpdateCooldowns(chat, voice time.Duration) {
	d.cool.setWindows(chat, voice)
	slog.Info("dispatch: cooldowns updated", "chat", chat, "voice", voice)
}

// Run consumes the bus until ctx is cancelled. Envelopes are handled one at
// a time, so a category's cooldown check and update never interleave.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatch: started")
	for {
		env, ok := d.msgBus.Consume(ctx)
		if !ok {
			slog.Info("dispatch: stopped")
			return nil
		}
		d.Dispatch(ctx, env.Event)
	}
}

// Dispatch handles one event and returns one outcome per selected category.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) []Outcome {
	var outcomes []Outcome
	for _, category := range categorize(ev, d.cfg) {
		var out Outcome
		if category == protocol.CategoryVoiceCall {
			out = d.dispatchVoice(ctx, ev)
		} else {
			out = d.dispatchChat(ctx, category, ev)
		}
		d.publish(out)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// categorize selects the alert categories for an event. Events that carry
// no danger signal select nothing.
func categorize(ev events.Event, cfg Config) []string {
	switch e := ev.(type) {
	case events.SensorSnapshot:
		if e.Danger() {
			return []string{protocol.CategoryChatSensor}
		}
	case events.SensorEvent:
		if e.Actionable() {
			return []string{protocol.CategoryChatEvent}
		}
	case events.DetectionEvent:
		if e.HasPhoto {
			if cfg.VoiceOnPhoto {
				return []string{protocol.CategoryChatPhoto, protocol.CategoryVoiceCall}
			}
			return []string{protocol.CategoryChatPhoto}
		}
		if cfg.VoiceOnVerified && e.GeminiVerified {
			return []string{protocol.CategoryChatEvent, protocol.CategoryVoiceCall}
		}
		return []string{protocol.CategoryChatEvent}
	}
	return nil
}

func (d *Dispatcher) dispatchChat(ctx context.Context, category string, ev events.Event) Outcome {
	out := Outcome{Category: category}
	now := d.now()

	if left := d.cool.remaining(category, now); left > 0 {
		return d.suppress(out, ReasonCooldown, "remaining", left.Round(time.Second))
	}
	if !d.chat.Ready() {
		return d.suppress(out, ReasonNotConnected)
	}
	recipients, err := d.dir.ListRecipients()
	if err != nil {
		slog.Error("dispatch: list recipients failed", "error", err)
		return d.suppress(out, ReasonNoRecipients)
	}
	if len(recipients) == 0 {
		return d.suppress(out, ReasonNoRecipients)
	}

	var (
		body  string
		photo *artifact.Artifact
	)
	switch e := ev.(type) {
	case events.SensorSnapshot:
		body = d.compose.sensorAlert(e)
	case events.SensorEvent:
		body = d.compose.sensorEvent(e)
	case events.DetectionEvent:
		body = d.compose.detection(e)
		if category == protocol.CategoryChatPhoto {
			photo, out.Evidence = d.resolveEvidence(ctx, e)
			if photo == nil {
				body += "\n\n" + EvidenceUnavailableNote
			}
		}
	}

	out.Deliveries = d.fanOut(ctx, recipients, func(ctx context.Context, r store.Recipient) (Delivery, error) {
		if photo != nil {
			return Delivery{}, d.chat.SendImage(ctx, r.PhoneNumber, photo.Data, photo.MimeType, body)
		}
		return Delivery{}, d.chat.SendText(ctx, r.PhoneNumber, body)
	})
	return d.finish(out, category, now)
}

func (d *Dispatcher) resolveEvidence(ctx context.Context, e events.DetectionEvent) (*artifact.Artifact, string) {
	a, err := d.evidence.Resolve(ctx, e.Snapshot)
	if err != nil {
		metrics.IncEvidence("")
		slog.Warn("dispatch: evidence unavailable, sending text only", "detection_id", e.DetectionID, "error", err)
		return nil, "unavailable"
	}
	metrics.IncEvidence(a.Source)
	slog.Debug("dispatch: evidence resolved", "detection_id", e.DetectionID, "source", a.Source, "location", a.Location)
	return a, a.Source
}

func (d *Dispatcher) dispatchVoice(ctx context.Context, ev events.Event) Outcome {
	category := protocol.CategoryVoiceCall
	out := Outcome{Category: category}
	now := d.now()

	if left := d.cool.remaining(category, now); left > 0 {
		return d.suppress(out, ReasonCooldown, "remaining", left.Round(time.Second))
	}
	if !d.caller.Configured() {
		return d.suppress(out, ReasonNotConfigured)
	}
	targets, err := d.dir.ListCallTargets()
	if err != nil {
		slog.Error("dispatch: list call targets failed", "error", err)
		return d.suppress(out, ReasonNoRecipients)
	}
	if len(targets) == 0 {
		return d.suppress(out, ReasonNoRecipients)
	}

	script := d.compose.voiceScript(ev)
	out.Deliveries = d.fanOut(ctx, targets, func(ctx context.Context, r store.Recipient) (Delivery, error) {
		res, err := d.caller.PlaceCall(ctx, r.PhoneNumber, script)
		if err != nil {
			return Delivery{}, err
		}
		return Delivery{CallSID: res.SID, CallStatus: res.Status}, nil
	})
	return d.finish(out, category, now)
}

type sendFunc func(ctx context.Context, r store.Recipient) (Delivery, error)

// fanOut calls send for every recipient with bounded parallelism. A failure
// for one recipient never stops the others.
func (d *Dispatcher) fanOut(ctx context.Context, recipients []store.Recipient, send sendFunc) []Delivery {
	results := make([]Delivery, len(recipients))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)

	for i, r := range recipients {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()

			res, err := d.safeSend(sendCtx, r, send)
			res.RecipientID = r.ID
			res.Phone = r.PhoneNumber
			if err != nil {
				res.Error = err.Error()
				res.Unverified = errors.Is(err, telephony.ErrUnverifiedNumber)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// safeSend turns a panicking provider call into an error for that recipient.
func (d *Dispatcher) safeSend(ctx context.Context, r store.Recipient, send sendFunc) (res Delivery, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("send panicked: %v", p)
		}
	}()
	return send(ctx, r)
}

// finish counts deliveries, logs failures and updates the cooldown when at
// least one recipient was reached.
func (d *Dispatcher) finish(out Outcome, category string, startedAt time.Time) Outcome {
	for _, del := range out.Deliveries {
		switch {
		case del.Error == "":
			out.Succeeded++
			metrics.IncSend(category, "success")
		case del.Unverified:
			metrics.IncSend(category, "unverified")
			slog.Error("dispatch: destination not verified with the telephony provider; verify the number in the provider console or upgrade the account",
				"category", category, "recipient", del.RecipientID)
		default:
			metrics.IncSend(category, "failure")
			slog.Warn("dispatch: delivery failed", "category", category, "recipient", del.RecipientID, "error", del.Error)
		}
	}
	if out.Succeeded > 0 {
		d.cool.mark(category, startedAt)
	}
	slog.Info("dispatch: alert sent", "category", category,
		"succeeded", out.Succeeded, "attempted", len(out.Deliveries), "evidence", out.Evidence)
	return out
}

func (d *Dispatcher) suppress(out Outcome, reason string, args ...any) Outcome {
	out.Suppressed = reason
	metrics.IncSuppressed(out.Category, reason)
	slog.Info("dispatch: alert suppressed", append([]any{"category", out.Category, "reason", reason}, args...)...)
	return out
}

func (d *Dispatcher) publish(out Outcome) {
	if d.msgBus == nil {
		return
	}
	name := protocol.EventAlertDispatched
	if out.Suppressed != "" {
		name = protocol.EventAlertSuppressed
	}
	d.msgBus.Broadcast(bus.Notice{Name: name, Payload: out})
}

// TestSend sends a test message to one chat recipient, bypassing cooldowns.
func (d *Dispatcher) TestSend(ctx context.Context, recipientID string) error {
	r, err := findRecipient(d.dir.ListRecipients, recipientID)
	if err != nil {
		return err
	}
	if !d.chat.Ready() {
		return ErrChatNotReady
	}
	if err := d.chat.SendText(ctx, r.PhoneNumber, d.compose.testMessage(d.now())); err != nil {
		return fmt.Errorf("test send to %s: %w", r.ID, err)
	}
	slog.Info("dispatch: test message sent", "recipient", r.ID)
	return nil
}

// TestCall places a test call to one call target, bypassing cooldowns.
func (d *Dispatcher) TestCall(ctx context.Context, targetID string) (*telephony.CallResult, error) {
	r, err := findRecipient(d.dir.ListCallTargets, targetID)
	if err != nil {
		return nil, err
	}
	res, err := d.caller.PlaceCall(ctx, r.PhoneNumber, d.compose.testScript())
	if err != nil {
		return nil, fmt.Errorf("test call to %s: %w", r.ID, err)
	}
	slog.Info("dispatch: test call placed", "target", r.ID, "sid", res.SID, "status", res.Status)
	return res, nil
}

func findRecipient(list func() ([]store.Recipient, error), id string) (store.Recipient, error) {
	all, err := list()
	if err != nil {
		return store.Recipient{}, err
	}
	for _, r := range all {
		if r.ID == id {
			return r, nil
		}
	}
	return store.Recipient{}, fmt.Errorf("%w: %s", ErrRecipientNotFound, id)
}
