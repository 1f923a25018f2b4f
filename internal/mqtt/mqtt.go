// Package mqtt publishes sensor readings and daemon lifecycle events to MQTT,
// with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/pulse-sensor/internal/pulse"
)

// Availability payloads on the status topic. PayloadOffline is also the
// Last Will, so subscribers see it if the daemon dies without a clean close.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// SensorTopic is the topic carrying a sensor's bare value.
func SensorTopic(prefix, name string) string {
	return prefix + "/sensor/" + name
}

// SensorJSONTopic is the topic carrying a sensor's JSON reading.
func SensorJSONTopic(prefix, name string) string {
	return SensorTopic(prefix, name) + "/json"
}

// StatusTopic is the retained availability topic.
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// SystemTopic is the topic for lifecycle events.
func SystemTopic(prefix string) string {
	return prefix + "/system"
}

// Publisher publishes readings to MQTT.
type Publisher interface {
	// Publish sends one sensor reading to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(r Reading) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports the state of the MQTT connection.
type ConnectionStatus interface {
	IsConnected() bool

	// Buffered is the number of messages waiting for a connection.
	Buffered() int
}

// Reading is one sensor value ready to publish.
type Reading struct {
	Sensor    string
	Pin       pulse.PinID
	Value     pulse.Value
	Digits    int
	Timestamp time.Time
}

// Text returns the bare value payload, e.g. "1532" or "4.75".
func (r Reading) Text() []byte {
	return []byte(r.Value.Format(r.Digits))
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload is the JSON reading envelope.
type Payload struct {
	Sensor SensorPayload `json:"sensor"`
}

// SensorPayload contains one reading.
type SensorPayload struct {
	Name      string      `json:"name"`
	Pin       int         `json:"pin"`
	Type      string      `json:"type"`
	Value     json.Number `json:"value"`
	Timestamp string      `json:"timestamp"`
}

// FormatPayload creates the JSON payload for a reading. The value keeps the
// rounding of the bare payload.
func FormatPayload(r Reading) ([]byte, error) {
	payload := Payload{
		Sensor: SensorPayload{
			Name:      r.Sensor,
			Pin:       int(r.Pin),
			Type:      string(r.Value.Mode),
			Value:     json.Number(r.Value.Format(r.Digits)),
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
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
		},
	}
	return json.Marshal(payload)
}
