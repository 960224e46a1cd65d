package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/firewatch/internal/bus"
	"github.com/nextlevelbuilder/firewatch/internal/config"
	"github.com/nextlevelbuilder/firewatch/internal/events"
)

var testTopics = config.TopicsConfig{
	Telemetry:   "fw/telemetry",
	Events:      "fw/events",
	Alerts:      "fw/alerts",
	PhotoAlerts: "fw/alerts/photo",
}

var received = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestParseTelemetry(t *testing.T) {
	p := NewParser(testTopics)
	ev, err := p.Parse(testTopics.Telemetry, []byte(`{"id":"S1","t":"31.5","h":40,"gasA":812,"gasMv":2.61,"gasD":1,"flame":false,"alarm":true,"forceAlarm":"0"}`), received)
	if err != nil {
		t.Fatal(err)
	}
	snap, ok := ev.(events.SensorSnapshot)
	if !ok {
		t.Fatalf("got %T, want SensorSnapshot", ev)
	}
	if snap.DeviceID != "S1" || snap.Temperature != 31.5 || snap.Humidity != 40 || snap.GasAnalog != 812 {
		t.Errorf("unexpected readings: %+v", snap)
	}
	if !snap.GasDetected || snap.Flame || !snap.Alarm || snap.ForceAlarm {
		t.Errorf("unexpected flags: %+v", snap)
	}
	if !snap.Danger() {
		t.Error("gas+alarm should be dangerous")
	}
	if got := snap.DangerFlags(); len(got) != 2 || got[0] != "gas" || got[1] != "alarm" {
		t.Errorf("DangerFlags() = %v", got)
	}
}

func TestParseTelemetryNumericID(t *testing.T) {
	p := NewParser(testTopics)
	ev, err := p.Parse(testTopics.Telemetry, []byte(`{"id":42,"t":20}`), received)
	if err != nil {
		t.Fatal(err)
	}
	snap := ev.(events.SensorSnapshot)
	if snap.DeviceID != "42" || snap.Danger() {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestParseSensorEvent(t *testing.T) {
	tests := []struct {
		payload string
		signal  events.SensorSignal
		device  string
	}{
		{`{"event":"FLAME_ON","data":{"id":"S2","flame":1}}`, events.SignalFlame, "S2"},
		{`{"event":"gas_triggered"}`, events.SignalGas, ""},
		{`{"event":"alarm-triggered","data":"manual"}`, events.SignalAlarm, ""},
		{`{"event":"heartbeat"}`, events.SignalUnknown, ""},
		{`{"event":"FLAME_OFF"}`, events.SignalUnknown, ""},
		{`{"event":"gas_cleared"}`, events.SignalUnknown, ""},
		{`{"event":"alarm_reset"}`, events.SignalUnknown, ""},
		{`{"event":"flame_sensor_ok"}`, events.SignalUnknown, ""},
		{`{"event":"smoke-normal"}`, events.SignalUnknown, ""},
		{`{"event":"alarmStopped"}`, events.SignalUnknown, ""},
	}
	p := NewParser(testTopics)
	for _, tt := range tests {
		ev, err := p.Parse(testTopics.Events, []byte(tt.payload), received)
		if err != nil {
			t.Fatalf("%s: %v", tt.payload, err)
		}
		se, ok := ev.(events.SensorEvent)
		if !ok {
			t.Fatalf("%s: got %T", tt.payload, ev)
		}
		if se.Signal != tt.signal || se.DeviceID != tt.device {
			t.Errorf("%s: signal=%s device=%q", tt.payload, se.Signal, se.DeviceID)
		}
		if se.Actionable() != (tt.signal != events.SignalUnknown) {
			t.Errorf("%s: Actionable() = %v", tt.payload, se.Actionable())
		}
	}
}

func TestClassifySignal(t *testing.T) {
	tests := map[string]events.SensorSignal{
		"FLAME_ON":        events.SignalFlame,
		"fireDetected":    events.SignalFlame,
		"SMOKE":           events.SignalGas,
		"gas-leak":        events.SignalGas,
		"panic_button":    events.SignalAlarm,
		"FLAME_OFF":       events.SignalUnknown,
		"gas_cleared":     events.SignalUnknown,
		"alarm_reset":     events.SignalUnknown,
		"flame_sensor_ok": events.SignalUnknown,
		"flameOff":        events.SignalUnknown,
		"":                events.SignalUnknown,
	}
	for name, want := range tests {
		if got := ClassifySignal(name); got != want {
			t.Errorf("ClassifySignal(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestParseVerifiedAlert(t *testing.T) {
	p := NewParser(testTopics)
	payload := `{"alert":"fire","conf":87,"level":"high","bbox":[10,20,110,220],
		"gemini":{"score":0.92,"reason":"visible flames"},"ts":1772359200,
		"temperature":48.2,"humidity":21,"gas":930,"cameraId":"CAM-3"}`
	ev, err := p.Parse(testTopics.Alerts, []byte(payload), received)
	if err != nil {
		t.Fatal(err)
	}
	d, ok := ev.(events.DetectionEvent)
	if !ok {
		t.Fatalf("got %T", ev)
	}
	if d.Label != "fire" || d.Level != "high" || d.CameraID != "CAM-3" {
		t.Errorf("unexpected identity: %+v", d)
	}
	if d.Confidence != 0.87 {
		t.Errorf("confidence = %v, want 0.87", d.Confidence)
	}
	if d.BBox.Width() != 100 || d.BBox.Height() != 200 {
		t.Errorf("bbox = %+v", d.BBox)
	}
	if d.GeminiScore == nil || *d.GeminiScore != 0.92 || !d.GeminiVerified || d.GeminiReason != "visible flames" {
		t.Errorf("gemini fields: score=%v verified=%v reason=%q", d.GeminiScore, d.GeminiVerified, d.GeminiReason)
	}
	if !d.Timestamp.Equal(time.Unix(1772359200, 0)) {
		t.Errorf("timestamp = %v", d.Timestamp)
	}
	if d.Sensors == nil || d.Sensors.Temperature != 48.2 || d.Sensors.GasAnalog != 930 {
		t.Errorf("sensors = %+v", d.Sensors)
	}
	if d.HasPhoto {
		t.Error("verified alert carries no photo")
	}
}

func TestParseVerifiedAlertBareGeminiScore(t *testing.T) {
	p := NewParser(testTopics)
	ev, err := p.Parse(testTopics.Alerts, []byte(`{"alert":"smoke","conf":0.6,"gemini":0.3,"ts":"2026-03-01T09:00:00Z"}`), received)
	if err != nil {
		t.Fatal(err)
	}
	d := ev.(events.DetectionEvent)
	if d.GeminiScore == nil || *d.GeminiScore != 0.3 || d.GeminiVerified {
		t.Errorf("score=%v verified=%v", d.GeminiScore, d.GeminiVerified)
	}
	if d.Sensors != nil {
		t.Error("no sensor fields were sent")
	}
}

func TestParsePhotoAlert(t *testing.T) {
	p := NewParser(testTopics)
	payload := `{"detection":{"detectionId":"det-77","label":"fire","confidence":0.91,
		"bbox":{"x":5,"y":5,"width":50,"height":40},"cameraId":"CAM-1","cameraIp":"10.0.0.8",
		"timestamp":1772359200123,"geminiScore":0.8,"geminiVerified":true},
		"snapshot":{"filename":"2026/03/det-77.jpg","fullPath":"/srv/snaps/2026/03/det-77.jpg","url":"http://cam/snap/det-77.jpg"}}`
	ev, err := p.Parse(testTopics.PhotoAlerts, []byte(payload), received)
	if err != nil {
		t.Fatal(err)
	}
	d := ev.(events.DetectionEvent)
	if d.DetectionID != "det-77" || !d.HasPhoto || d.CameraIP != "10.0.0.8" {
		t.Errorf("unexpected detection: %+v", d)
	}
	if d.Snapshot.FullPathHint != "/srv/snaps/2026/03/det-77.jpg" ||
		d.Snapshot.RelativeHint != "2026/03/det-77.jpg" ||
		d.Snapshot.RemoteURL != "http://cam/snap/det-77.jpg" {
		t.Errorf("snapshot = %+v", d.Snapshot)
	}
	if d.BBox.Width() != 50 || d.BBox.Height() != 40 {
		t.Errorf("bbox = %+v", d.BBox)
	}
	if d.Timestamp.UnixMilli() != 1772359200123 {
		t.Errorf("timestamp = %v", d.Timestamp)
	}
}

func TestParseMalformed(t *testing.T) {
	p := NewParser(testTopics)
	tests := []struct {
		topic   string
		payload string
	}{
		{testTopics.Telemetry, `not json`},
		{testTopics.Telemetry, `[1,2,3]`},
		{testTopics.Telemetry, `{"id":"S1","gasD":"maybe"}`},
		{testTopics.Events, `{"data":{}}`},
		{testTopics.Alerts, `{"level":"high"}`},
		{testTopics.Alerts, `{"alert":"fire","bbox":[1,2,3]}`},
		{testTopics.PhotoAlerts, `{"snapshot":{"filename":"a.jpg"}}`},
		{testTopics.Telemetry, ``},
	}
	for _, tt := range tests {
		if _, err := p.Parse(tt.topic, []byte(tt.payload), received); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s %q: got %v, want ErrMalformed", tt.topic, tt.payload, err)
		}
	}
	if _, err := p.Parse("other/topic", []byte(`{}`), received); !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("unknown topic: got %v", err)
	}
}

func TestHandleDropsDuplicatesAndMalformed(t *testing.T) {
	mb := bus.New(10)
	s := NewSubscriber(config.MQTTConfig{Topics: testTopics}, mb)
	s.now = func() time.Time { return received }
	ctx := context.Background()

	photo := []byte(`{"detection":{"detectionId":"d1","label":"fire","confidence":0.9},"snapshot":{"filename":"d1.jpg"}}`)
	s.Handle(ctx, testTopics.PhotoAlerts, photo)
	s.Handle(ctx, testTopics.PhotoAlerts, photo) // broker redelivery
	s.Handle(ctx, testTopics.Telemetry, []byte(`{oops`))
	s.Handle(ctx, testTopics.Telemetry, []byte(`{"id":"S1","gasD":1}`))

	if mb.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", mb.Pending())
	}
	env, _ := mb.Consume(ctx)
	if env.Topic != testTopics.PhotoAlerts || !env.ReceivedAt.Equal(received) {
		t.Errorf("unexpected first envelope: %+v", env)
	}
	env, _ = mb.Consume(ctx)
	if _, ok := env.Event.(events.SensorSnapshot); !ok {
		t.Errorf("second envelope = %T", env.Event)
	}
}

func TestHandleDropsWhenBusStaysFull(t *testing.T) {
	mb := bus.New(1)
	s := NewSubscriber(config.MQTTConfig{Topics: testTopics}, mb)
	s.now = func() time.Time { return received }
	s.publishWait = 20 * time.Millisecond
	ctx := context.Background()

	s.Handle(ctx, testTopics.Telemetry, []byte(`{"id":"S1","gasD":1}`))

	done := make(chan struct{})
	go func() {
		s.Handle(ctx, testTopics.Telemetry, []byte(`{"id":"S2","gasD":1}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle blocked on a full bus")
	}
	if mb.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", mb.Pending())
	}
	env, _ := mb.Consume(ctx)
	if snap := env.Event.(events.SensorSnapshot); snap.DeviceID != "S1" {
		t.Errorf("queued device = %q, want S1", snap.DeviceID)
	}
}
