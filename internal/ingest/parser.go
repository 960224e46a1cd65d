// Package ingest subscribes to the sensor and vision topics on the MQTT
// broker and normalizes their JSON payloads into typed events.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/nextlevelbuilder/firewatch/internal/config"
	"github.com/nextlevelbuilder/firewatch/internal/events"
)

var (
	ErrUnknownTopic = errors.New("unknown topic")
	ErrMalformed    = errors.New("malformed payload")
)

// VerifyThreshold is the secondary-model score at or above which a detection
// counts as verified when the payload carries only a score.
const VerifyThreshold = 0.5

// Parser maps topics to payload decoders.
type Parser struct {
	topics config.TopicsConfig
}

// NewParser creates a parser for the configured topic names.
func NewParser(topics config.TopicsConfig) *Parser {
	return &Parser{topics: topics}
}

// Topics returns the subscribed topic names in a stable order.
func (p *Parser) Topics() []string {
	return []string{p.topics.Telemetry, p.topics.Events, p.topics.Alerts, p.topics.PhotoAlerts}
}

// Parse decodes a payload received on topic at receivedAt.
func (p *Parser) Parse(topic string, payload []byte, receivedAt time.Time) (events.Event, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}

	var (
		ev  events.Event
		err error
	)
	switch topic {
	case p.topics.Telemetry:
		ev, err = parseTelemetry(payload, receivedAt)
	case p.topics.Events:
		ev, err = parseSensorEvent(payload, receivedAt)
	case p.topics.Alerts:
		ev, err = parseVerifiedAlert(payload, receivedAt)
	case p.topics.PhotoAlerts:
		ev, err = parsePhotoAlert(payload, receivedAt)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, nil
}

func parseTelemetry(payload []byte, receivedAt time.Time) (events.Event, error) {
	var p telemetryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	snap := p.snapshot(receivedAt)
	return *snap, nil
}

func (p telemetryPayload) snapshot(receivedAt time.Time) *events.SensorSnapshot {
	id := string(p.ID)
	if id == "" {
		id = "unknown"
	}
	return &events.SensorSnapshot{
		DeviceID:     id,
		Temperature:  p.T.value(),
		Humidity:     p.H.value(),
		GasAnalog:    p.GasA.value(),
		GasMillivolt: p.GasMv.value(),
		GasDetected:  bool(p.GasD),
		Flame:        bool(p.Flame),
		Alarm:        bool(p.Alarm),
		ForceAlarm:   bool(p.ForceAlarm),
		ReceivedAt:   receivedAt,
	}
}

func parseSensorEvent(payload []byte, receivedAt time.Time) (events.Event, error) {
	var p eventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.Event)
	if name == "" {
		return nil, errors.New("missing event name")
	}

	ev := events.SensorEvent{
		Name:       name,
		Signal:     ClassifySignal(name),
		ReceivedAt: receivedAt,
	}
	if data := bytes.TrimSpace(p.Data); len(data) > 0 && data[0] == '{' {
		var t telemetryPayload
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("event data: %w", err)
		}
		ev.Snapshot = t.snapshot(receivedAt)
		ev.DeviceID = ev.Snapshot.DeviceID
	}
	return ev, nil
}

// ClassifySignal maps a device event name such as "FLAME_ON" or
// "gas_triggered" to a danger signal. Names that report a condition ending
// ("FLAME_OFF", "gas_cleared", "alarm_reset") are not danger signals.
func ClassifySignal(name string) events.SensorSignal {
	words := nameWords(name)
	for _, w := range words {
		if isClearingWord(w) {
			return events.SignalUnknown
		}
	}
	n := strings.Join(words, " ")
	switch {
	case strings.Contains(n, "flame"), strings.Contains(n, "fire"):
		return events.SignalFlame
	case strings.Contains(n, "gas"), strings.Contains(n, "smoke"):
		return events.SignalGas
	case strings.Contains(n, "alarm"), strings.Contains(n, "panic"), strings.Contains(n, "button"):
		return events.SignalAlarm
	}
	return events.SignalUnknown
}

var clearingPrefixes = []string{"off", "clear", "reset", "normal", "stop"}

func isClearingWord(w string) bool {
	if w == "ok" {
		return true
	}
	for _, p := range clearingPrefixes {
		if strings.HasPrefix(w, p) {
			return true
		}
	}
	return false
}

// nameWords splits an event name on separators and camelCase boundaries
// and lowercases the parts: "flameSensor_OK" gives [flame sensor ok].
func nameWords(name string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	prevLower := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && prevLower {
				flush()
			}
			cur = append(cur, r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		default:
			flush()
			prevLower = false
		}
	}
	flush()
	return words
}

func parseVerifiedAlert(payload []byte, receivedAt time.Time) (events.Event, error) {
	var p detectionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if firstString(p.Alert, p.Label, p.Class) == "" && p.Conf == nil && p.Confidence == nil {
		return nil, errors.New("missing alert label and confidence")
	}
	return p.detection(receivedAt), nil
}

func parsePhotoAlert(payload []byte, receivedAt time.Time) (events.Event, error) {
	var p photoAlertPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.Detection == nil {
		return nil, errors.New("missing detection")
	}
	d := p.Detection.detection(receivedAt)
	d.HasPhoto = true
	if s := p.Snapshot; s != nil {
		d.Snapshot = events.SnapshotRef{
			FullPathHint: strings.TrimSpace(s.FullPath),
			RelativeHint: strings.TrimSpace(s.Filename),
			RemoteURL:    strings.TrimSpace(s.URL),
		}
	}
	return d, nil
}

func (p *detectionPayload) detection(receivedAt time.Time) events.DetectionEvent {
	d := events.DetectionEvent{
		DetectionID: firstString(string(p.DetectionID), string(p.ID)),
		Label:       firstString(p.Alert, p.Label, p.Class, "fire"),
		Level:       strings.TrimSpace(p.Level),
		BBox:        p.BBox,
		CameraID:    firstString(string(p.CameraID), string(p.DeviceID)),
		CameraIP:    strings.TrimSpace(p.CameraIP),
		Timestamp:   receivedAt,
	}
	if c := firstFloat(p.Conf, p.Confidence); c != nil {
		d.Confidence = normalizeRatio(*c)
	}
	switch {
	case !p.TS.IsZero():
		d.Timestamp = p.TS.Time
	case !p.Timestamp.IsZero():
		d.Timestamp = p.Timestamp.Time
	}

	var verified *bool
	if p.Gemini != nil {
		if p.Gemini.Score != nil {
			s := normalizeRatio(*p.Gemini.Score)
			d.GeminiScore = &s
		}
		verified = p.Gemini.Verified
		d.GeminiReason = p.Gemini.Reason
	}
	if d.GeminiScore == nil && p.GeminiScore != nil {
		s := normalizeRatio(float64(*p.GeminiScore))
		d.GeminiScore = &s
	}
	if verified == nil && p.GeminiVerified != nil {
		v := bool(*p.GeminiVerified)
		verified = &v
	}
	if d.GeminiReason == "" {
		d.GeminiReason = strings.TrimSpace(p.GeminiReason)
	}
	switch {
	case verified != nil:
		d.GeminiVerified = *verified
	case d.GeminiScore != nil:
		d.GeminiVerified = *d.GeminiScore >= VerifyThreshold
	}

	if p.Temperature != nil || p.Humidity != nil || p.Gas != nil {
		d.Sensors = &events.SensorSnapshot{
			DeviceID:    d.CameraID,
			Temperature: p.Temperature.value(),
			Humidity:    p.Humidity.value(),
			GasAnalog:   p.Gas.value(),
			ReceivedAt:  receivedAt,
		}
	}
	return d
}
