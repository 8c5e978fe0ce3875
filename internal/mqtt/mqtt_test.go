package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/solar-ems/internal/logic"
)

func heaterOff() logic.Event {
	return logic.Event{
		Timestamp: time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC),
		Load:      "heater",
		Type:      logic.EventLoadOff,
		State:     logic.StateOff,
		Reason:    logic.ReasonShortOverload,
		Evidence: []logic.Measurement{
			{Name: "short_load_w", Value: 3100, Limit: 2800},
			{Name: "short_battery_v", Value: 24.2, Limit: 22},
		},
	}
}

func TestFormatPayload(t *testing.T) {
	payload, err := FormatPayload(heaterOff())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Load.Timestamp != "2026-02-02T22:18:12Z" {
		t.Errorf("unexpected timestamp: %s", parsed.Load.Timestamp)
	}
	if parsed.Load.Load != "heater" {
		t.Errorf("unexpected load: %s", parsed.Load.Load)
	}
	if parsed.Load.Event != "LOAD_OFF" {
		t.Errorf("unexpected event: %s", parsed.Load.Event)
	}
	if parsed.Load.State != "OFF" {
		t.Errorf("unexpected state: %s", parsed.Load.State)
	}
	if parsed.Load.Reason != "SHORT_WINDOW_OVERLOAD" {
		t.Errorf("unexpected reason: %s", parsed.Load.Reason)
	}
	if len(parsed.Load.Evidence) != 2 || parsed.Load.Evidence[0].Value != 3100 {
		t.Errorf("unexpected evidence: %+v", parsed.Load.Evidence)
	}
}

func TestFormatPayloadExactJSON(t *testing.T) {
	event := logic.Event{
		Timestamp: time.Date(2026, 2, 3, 10, 30, 45, 0, time.UTC),
		Load:      "hydro",
		Type:      logic.EventLoadOn,
		State:     logic.StateOn,
		Reason:    logic.ReasonStressDetected,
		Evidence:  []logic.Measurement{{Name: "battery_v", Value: 21.5, Limit: 22}},
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"load":{"timestamp":"2026-02-03T10:30:45Z","load":"hydro","event":"LOAD_ON","state":"ON","reason":"STRESS_DETECTED","evidence":[{"name":"battery_v","value":21.5,"limit":22}]}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatPayloadOmitsEmptyEvidence(t *testing.T) {
	event := heaterOff()
	event.Reason = logic.ReasonShutdown
	event.Evidence = nil

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, exists := parsed["load"]["evidence"]; exists {
		t.Error("evidence should be omitted when empty")
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	err := f.Publish(heaterOff())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(f.Events))
	}

	if f.Events[0].Type != logic.EventLoadOff {
		t.Errorf("unexpected event type: %s", f.Events[0].Type)
	}

	if len(f.Payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(f.Payloads))
	}
}

func TestFakePublisherError(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("simulated error")

	err := f.Publish(heaterOff())
	if err == nil {
		t.Error("expected error")
	}

	if len(f.Events) != 0 {
		t.Errorf("expected no events recorded on error, got %d", len(f.Events))
	}
}

func TestFakePublisherClose(t *testing.T) {
	f := NewFakePublisher()

	if f.Closed {
		t.Error("should not be closed initially")
	}

	err := f.Close()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if !f.Closed {
		t.Error("should be closed after Close()")
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()

	f.Publish(heaterOff())
	f.PublishSystem(SystemEvent{Event: EventStartup})
	f.Close()
	f.PublishError = errors.New("error")

	f.Reset()

	if len(f.Events) != 0 || len(f.SystemEvents) != 0 {
		t.Error("events should be cleared")
	}
	if len(f.Payloads) != 0 {
		t.Error("payloads should be cleared")
	}
	if f.Closed {
		t.Error("closed should be reset")
	}
	if f.PublishError != nil {
		t.Error("error should be cleared")
	}
}

func TestFakePublisherEventTypes(t *testing.T) {
	f := NewFakePublisher()
	f.PublishSystem(SystemEvent{Event: EventStartup})
	f.PublishSystem(SystemEvent{Event: EventHeartbeat})
	f.PublishSystem(SystemEvent{Event: EventShutdown, Reason: "SIGTERM"})

	got := f.EventTypes()
	want := []string{"STARTUP", "HEARTBEAT", "SHUTDOWN"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTopics(t *testing.T) {
	if TopicLoads != "energy/ems/loads/events" {
		t.Errorf("unexpected topic: %s", TopicLoads)
	}
	if TopicSystem != "energy/ems/system" {
		t.Errorf("unexpected system topic: %s", TopicSystem)
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 3, 10, 30, 45, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
		BootID:    "3f1c9e2a-0000-4000-8000-000000000001",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"system":{"timestamp":"2026-02-03T10:30:45Z","event":"SHUTDOWN","reason":"SIGTERM","boot_id":"3f1c9e2a-0000-4000-8000-000000000001"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatSystemPayloadOmitsEmpty(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 3, 19, 5, 51, 0, time.UTC),
		Event:     "HEARTBEAT",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, key := range []string{"reason", "boot_id"} {
		if _, exists := parsed["system"][key]; exists {
			t.Errorf("%s should be omitted when empty", key)
		}
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"system":{"event":"STARTUP","loads":{}}}`)

	payload, err := FormatSystemPayload(SystemEvent{Event: "STARTUP", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload should pass through, got %s", payload)
	}
}
