package dispatch

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nextlevelbuilder/firewatch/internal/events"
)

// EvidenceUnavailableNote is appended to photo alerts sent without a photo.
const EvidenceUnavailableNote = "[evidence unavailable: the detection photo could not be retrieved]"

const timeLayout = "2006-01-02 15:04:05 MST"

// composer renders alert texts in the operator's time zone.
type composer struct {
	loc *time.Location
}

func (c composer) stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.In(c.loc).Format(timeLayout)
}

func (c composer) sensorAlert(s events.SensorSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FIRE/GAS ALERT from sensor %s\n", s.DeviceID)
	fmt.Fprintf(&b, "Triggered: %s\n", strings.Join(s.DangerFlags(), ", "))
	writeReadings(&b, &s)
	fmt.Fprintf(&b, "Time: %s", c.stamp(s.ReceivedAt))
	return b.String()
}

func (c composer) sensorEvent(e events.SensorEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ALERT: %s detected (%s)\n", e.Signal, e.Name)
	if e.DeviceID != "" {
		fmt.Fprintf(&b, "Device: %s\n", e.DeviceID)
	}
	if e.Snapshot != nil {
		writeReadings(&b, e.Snapshot)
	}
	fmt.Fprintf(&b, "Time: %s", c.stamp(e.ReceivedAt))
	return b.String()
}

func (c composer) detection(d events.DetectionEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s DETECTED by camera %s", strings.ToUpper(d.Label), orUnknown(d.CameraID))
	if d.CameraIP != "" {
		fmt.Fprintf(&b, " (%s)", d.CameraIP)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Confidence: %s\n", percent(d.Confidence))
	if d.Level != "" {
		fmt.Fprintf(&b, "Level: %s\n", d.Level)
	}
	if !d.BBox.IsZero() {
		fmt.Fprintf(&b, "Area: %.0fx%.0f px at (%.0f, %.0f)\n", d.BBox.Width(), d.BBox.Height(), d.BBox.X1, d.BBox.Y1)
	}
	if d.Sensors != nil {
		writeReadings(&b, d.Sensors)
	}
	if line := verificationLine(d); line != "" {
		b.WriteString(line + "\n")
	}
	if d.DetectionID != "" {
		fmt.Fprintf(&b, "Detection: %s\n", d.DetectionID)
	}
	fmt.Fprintf(&b, "Time: %s", c.stamp(d.Timestamp))
	return b.String()
}

// voiceScript is spoken twice by the telephony provider, so it stays short.
func (c composer) voiceScript(ev events.Event) string {
	var parts []string
	parts = append(parts, "Attention. This is an automated fire safety alert.")
	switch e := ev.(type) {
	case events.DetectionEvent:
		parts = append(parts, fmt.Sprintf("%s detected by camera %s with %s confidence.",
			capitalize(e.Label), spell(orUnknown(e.CameraID)), spokenPercent(e.Confidence)))
		if e.GeminiScore != nil {
			if e.GeminiVerified {
				parts = append(parts, "The detection was confirmed by secondary verification.")
			} else {
				parts = append(parts, "Secondary verification did not confirm the detection.")
			}
		}
		if e.Sensors != nil {
			parts = append(parts, fmt.Sprintf("Temperature %.0f degrees.", e.Sensors.Temperature))
		}
	case events.SensorSnapshot:
		parts = append(parts, fmt.Sprintf("Sensor %s reports %s.", spell(e.DeviceID), strings.Join(e.DangerFlags(), " and ")))
	case events.SensorEvent:
		parts = append(parts, fmt.Sprintf("A %s signal was reported.", e.Signal))
	}
	parts = append(parts, "Please check the site immediately.")
	return strings.Join(parts, " ")
}

func (c composer) testMessage(now time.Time) string {
	return "Firewatch test message. Alerts will be delivered to this number. Sent " + c.stamp(now)
}

func (c composer) testScript() string {
	return "This is a Firewatch test call. Fire alerts will be delivered to this number. No action is needed."
}

func writeReadings(b *strings.Builder, s *events.SensorSnapshot) {
	fmt.Fprintf(b, "Temperature: %.1f°C | Humidity: %.0f%%\n", s.Temperature, s.Humidity)
	if s.GasMillivolt != 0 {
		fmt.Fprintf(b, "Gas: %.0f (%.2f mV)\n", s.GasAnalog, s.GasMillivolt)
	} else {
		fmt.Fprintf(b, "Gas: %.0f\n", s.GasAnalog)
	}
}

func verificationLine(d events.DetectionEvent) string {
	if d.GeminiScore == nil {
		return ""
	}
	status := "NOT CONFIRMED"
	if d.GeminiVerified {
		status = "CONFIRMED"
	}
	line := fmt.Sprintf("AI verification: %s (%s)", status, percent(*d.GeminiScore))
	if d.GeminiReason != "" {
		line += ": " + d.GeminiReason
	}
	return line
}

func percent(ratio float64) string {
	return fmt.Sprintf("%.0f%%", math.Round(ratio*100))
}

func spokenPercent(ratio float64) string {
	return fmt.Sprintf("%.0f percent", math.Round(ratio*100))
}

// spell separates ids like "CAM-3" into speakable tokens.
func spell(id string) string {
	return strings.NewReplacer("-", " ", "_", " ").Replace(id)
}

func capitalize(s string) string {
	if s == "" {
		return "Fire"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
