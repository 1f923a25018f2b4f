package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	RunID         string       `json:"run_id"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Sensors       []SensorJSON `json:"sensors"`
	Rejected      []string     `json:"rejected,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Buffered  int    `json:"buffered"`
	Broker    string `json:"broker"`
}

// SensorJSON is the JSON representation of one sensor.
// Value and LastRead are omitted until the sensor has been read.
type SensorJSON struct {
	Name       string       `json:"name"`
	Pin        int          `json:"pin"`
	Type       string       `json:"type"`
	IntervalMs int64        `json:"interval_ms"`
	Value      *json.Number `json:"value,omitempty"`
	LastRead   string       `json:"last_read,omitempty"`
	Reads      int          `json:"reads"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	TopicPrefix string `json:"topic_prefix"`
	Chip        string `json:"chip"`
	HTTPAddr    string `json:"http_addr,omitempty"`
}

func buildSensors(snap Snapshot) []SensorJSON {
	out := make([]SensorJSON, len(snap.Sensors))
	for i, s := range snap.Sensors {
		sj := SensorJSON{
			Name:       s.Name,
			Pin:        int(s.Pin),
			Type:       string(s.Mode),
			IntervalMs: s.IntervalMs,
			Reads:      s.Reads,
		}
		if s.Reads > 0 {
			v := json.Number(s.Last.Format(s.Digits))
			sj.Value = &v
			sj.LastRead = s.LastRead.UTC().Format(time.RFC3339)
		}
		out[i] = sj
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	return StatusInner{
		RunID:         snap.RunID,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Buffered: snap.MQTTBuffered, Broker: snap.Config.Broker},
		Sensors:       buildSensors(snap),
		Rejected:      snap.Rejected,
		Config: ConfigJSON{
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			TopicPrefix: snap.Config.TopicPrefix,
			Chip:        snap.Config.Chip,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
