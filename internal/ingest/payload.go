package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/firewatch/internal/events"
)

// Field devices publish flags as true/false, 0/1 or "1"/"on", and numbers
// sometimes as strings. These types absorb that.

type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case float64:
		*b = t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "on", "yes", "high":
			*b = true
		case "", "0", "false", "off", "no", "low":
			*b = false
		default:
			return fmt.Errorf("invalid flag %q", t)
		}
	default:
		return fmt.Errorf("invalid flag %s", data)
	}
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*f = flexFloat(t)
	case bool:
		if t {
			*f = 1
		} else {
			*f = 0
		}
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", t)
		}
		*f = flexFloat(n)
	default:
		return fmt.Errorf("invalid number %s", data)
	}
	if math.IsNaN(float64(*f)) || math.IsInf(float64(*f), 0) {
		return fmt.Errorf("invalid number %s", data)
	}
	return nil
}

func (f *flexFloat) value() float64 {
	if f == nil {
		return 0
	}
	return float64(*f)
}

type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(str))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s", data)
	}
	*s = flexString(n.String())
	return nil
}

// flexTime accepts unix seconds, unix milliseconds or an RFC 3339 string.
type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		t.Time = fromUnix(x)
	case string:
		if n, err := strconv.ParseFloat(x, 64); err == nil {
			t.Time = fromUnix(n)
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, x); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return fmt.Errorf("invalid timestamp %q", x)
	default:
		return fmt.Errorf("invalid timestamp %s", data)
	}
	return nil
}

// Values above 1e12 are taken as milliseconds.
func fromUnix(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// telemetryPayload: {id, t, h, gasA, gasMv, gasD, flame, alarm, forceAlarm}
type telemetryPayload struct {
	ID         flexString `json:"id"`
	T          *flexFloat `json:"t"`
	H          *flexFloat `json:"h"`
	GasA       *flexFloat `json:"gasA"`
	GasMv      *flexFloat `json:"gasMv"`
	GasD       flexBool   `json:"gasD"`
	Flame      flexBool   `json:"flame"`
	Alarm      flexBool   `json:"alarm"`
	ForceAlarm flexBool   `json:"forceAlarm"`
}

// eventPayload: {event, data?}
type eventPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// geminiField is either a bare score or {score, verified, reason}.
type geminiField struct {
	Score    *float64
	Verified *bool
	Reason   string
}

func (g *geminiField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		return nil
	}
	var score flexFloat
	if err := json.Unmarshal(data, &score); err == nil {
		s := float64(score)
		g.Score = &s
		return nil
	}
	var obj struct {
		Score      *flexFloat `json:"score"`
		Confidence *flexFloat `json:"confidence"`
		Verified   *flexBool  `json:"verified"`
		Reason     string     `json:"reason"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid gemini field: %w", err)
	}
	if s := firstFloat(obj.Score, obj.Confidence); s != nil {
		g.Score = s
	}
	if obj.Verified != nil {
		v := bool(*obj.Verified)
		g.Verified = &v
	}
	g.Reason = strings.TrimSpace(obj.Reason)
	return nil
}

// detectionPayload covers both the verified-alert body
// {alert, conf, level, bbox, gemini, ts, temperature, humidity, gas} and the
// detection object nested in photo alerts, which uses longer field names.
type detectionPayload struct {
	DetectionID    flexString   `json:"detectionId"`
	ID             flexString   `json:"id"`
	Alert          string       `json:"alert"`
	Label          string       `json:"label"`
	Class          string       `json:"class"`
	Level          string       `json:"level"`
	Conf           *flexFloat   `json:"conf"`
	Confidence     *flexFloat   `json:"confidence"`
	BBox           events.BBox  `json:"bbox"`
	CameraID       flexString   `json:"cameraId"`
	CameraIP       string       `json:"cameraIp"`
	TS             flexTime     `json:"ts"`
	Timestamp      flexTime     `json:"timestamp"`
	Gemini         *geminiField `json:"gemini"`
	GeminiScore    *flexFloat   `json:"geminiScore"`
	GeminiVerified *flexBool    `json:"geminiVerified"`
	GeminiReason   string       `json:"geminiReason"`
	Temperature    *flexFloat   `json:"temperature"`
	Humidity       *flexFloat   `json:"humidity"`
	Gas            *flexFloat   `json:"gas"`
	DeviceID       flexString   `json:"deviceId"`
}

// snapshotPayload: {filename, fullPath?, url?}
type snapshotPayload struct {
	Filename string `json:"filename"`
	FullPath string `json:"fullPath"`
	URL      string `json:"url"`
}

type photoAlertPayload struct {
	Detection *detectionPayload `json:"detection"`
	Snapshot  *snapshotPayload  `json:"snapshot"`
}

func firstFloat(vals ...*flexFloat) *float64 {
	for _, v := range vals {
		if v != nil {
			f := float64(*v)
			return &f
		}
	}
	return nil
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// normalizeRatio maps percentages (e.g. 87) onto [0,1].
func normalizeRatio(v float64) float64 {
	if v > 1 {
		v /= 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
