// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/solar-ems/internal/logic"
)

// TopicLoads is the MQTT topic for load switching events.
const TopicLoads = "energy/ems/loads/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "energy/ems/system"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a load event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// System event names.
const (
	EventStartup     = "STARTUP"
	EventHeartbeat   = "HEARTBEAT"
	EventShutdown    = "SHUTDOWN"
	EventReconnected = "RECONNECTED"
	EventOffline     = "OFFLINE"
)

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	BootID     string // identifies one run of the daemon
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Load LoadPayload `json:"load"`
}

// LoadPayload contains the load event details.
type LoadPayload struct {
	Timestamp string            `json:"timestamp"`
	Load      string            `json:"load"`
	Event     string            `json:"event"`
	State     string            `json:"state"`
	Reason    string            `json:"reason"`
	Evidence  []EvidencePayload `json:"evidence,omitempty"`
}

// EvidencePayload is one measured value behind a decision.
type EvidencePayload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Limit float64 `json:"limit"`
}

// FormatPayload creates the JSON payload for a load event.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Load: LoadPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Load:      event.Load,
			Event:     string(event.Type),
			State:     string(event.State),
			Reason:    string(event.Reason),
			Evidence:  FormatEvidence(event.Evidence),
		},
	}
	return json.Marshal(payload)
}

// FormatEvidence converts measurements into their JSON form.
func FormatEvidence(ms []logic.Measurement) []EvidencePayload {
	if len(ms) == 0 {
		return nil
	}
	out := make([]EvidencePayload, len(ms))
	for i, m := range ms {
		out[i] = EvidencePayload{Name: m.Name, Value: m.Value, Limit: m.Limit}
	}
	return out
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
	BootID    string `json:"boot_id,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
			BootID:    event.BootID,
		},
	}
	return json.Marshal(payload)
}
