// Package events defines the normalized internal events produced by ingest
// and consumed by the alert dispatcher.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a normalized event.
type Kind string

const (
	KindSensorSnapshot Kind = "sensor_snapshot"
	KindSensorEvent    Kind = "sensor_event"
	KindDetection      Kind = "detection"
)

// Event is implemented by every normalized event.
type Event interface {
	Kind() Kind
}

// SensorSnapshot is one telemetry sample from a field device.
type SensorSnapshot struct {
	DeviceID     string
	Temperature  float64
	Humidity     float64
	GasAnalog    float64
	GasMillivolt float64
	GasDetected  bool
	Flame        bool
	Alarm        bool
	ForceAlarm   bool
	ReceivedAt   time.Time
}

func (SensorSnapshot) Kind() Kind { return KindSensorSnapshot }

// Danger reports whether any of the flame, gas or manual-alarm flags is raised.
func (s SensorSnapshot) Danger() bool {
	return s.Flame || s.GasDetected || s.Alarm || s.ForceAlarm
}

// DangerFlags lists the raised flags in a stable order.
func (s SensorSnapshot) DangerFlags() []string {
	var flags []string
	if s.Flame {
		flags = append(flags, "flame")
	}
	if s.GasDetected {
		flags = append(flags, "gas")
	}
	if s.Alarm || s.ForceAlarm {
		flags = append(flags, "alarm")
	}
	return flags
}

// SensorSignal is the recognized meaning of a discrete event.
type SensorSignal string

const (
	SignalFlame   SensorSignal = "flame"
	SignalGas     SensorSignal = "gas"
	SignalAlarm   SensorSignal = "alarm"
	SignalUnknown SensorSignal = "unknown"
)

// SensorEvent is a discrete alarm event reported by a device.
type SensorEvent struct {
	Name       string
	Signal     SensorSignal
	DeviceID   string
	Snapshot   *SensorSnapshot // present when the event carried telemetry
	ReceivedAt time.Time
}

func (SensorEvent) Kind() Kind { return KindSensorEvent }

// Actionable reports whether the event maps to a recognized danger signal.
func (e SensorEvent) Actionable() bool {
	return e.Signal != SignalUnknown && e.Signal != ""
}

// SnapshotRef carries the hints used to locate the evidence photo.
type SnapshotRef struct {
	FullPathHint string
	RelativeHint string
	RemoteURL    string
}

// Empty reports whether no hint is available at all.
func (r SnapshotRef) Empty() bool {
	return r.FullPathHint == "" && r.RelativeHint == "" && r.RemoteURL == ""
}

// DetectionEvent is a camera detection, optionally verified by a secondary
// AI model and optionally backed by a photo.
type DetectionEvent struct {
	DetectionID    string
	Label          string
	Level          string
	Confidence     float64
	BBox           BBox
	CameraID       string
	CameraIP       string
	Timestamp      time.Time
	GeminiScore    *float64
	GeminiVerified bool
	GeminiReason   string
	Snapshot       SnapshotRef
	HasPhoto       bool
	Sensors        *SensorSnapshot // readings attached by verified alerts
}

func (DetectionEvent) Kind() Kind { return KindDetection }

// BBox is a bounding box in pixel coordinates.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Width of the box.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height of the box.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// IsZero reports whether no geometry was supplied.
func (b BBox) IsZero() bool { return b == BBox{} }

// UnmarshalJSON accepts [x1,y1,x2,y2], {x1,y1,x2,y2} or {x,y,width,height}.
func (b *BBox) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 4 {
			return fmt.Errorf("bbox: expected 4 values, got %d", len(arr))
		}
		*b = BBox{X1: arr[0], Y1: arr[1], X2: arr[2], Y2: arr[3]}
		return nil
	}
	var obj struct {
		X1     *float64 `json:"x1"`
		Y1     *float64 `json:"y1"`
		X2     *float64 `json:"x2"`
		Y2     *float64 `json:"y2"`
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
		W      *float64 `json:"w"`
		H      *float64 `json:"h"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	switch {
	case obj.X1 != nil && obj.Y1 != nil && obj.X2 != nil && obj.Y2 != nil:
		*b = BBox{X1: *obj.X1, Y1: *obj.Y1, X2: *obj.X2, Y2: *obj.Y2}
	case obj.X != nil && obj.Y != nil:
		w, h := pick(obj.Width, obj.W), pick(obj.Height, obj.H)
		*b = BBox{X1: *obj.X, Y1: *obj.Y, X2: *obj.X + w, Y2: *obj.Y + h}
	default:
		return fmt.Errorf("bbox: unrecognized shape")
	}
	return nil
}

func pick(a, b *float64) float64 {
	if a != nil {
		return *a
	}
	if b != nil {
		return *b
	}
	return 0
}
