// Package status provides a thread-safe status tracker for the pulse-sensor daemon.
// It is read by the HTTP handlers and used to build MQTT system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/pulse-sensor/internal/pulse"
)

// Config contains daemon configuration for display.
type Config struct {
	HeartbeatMs int64
	Broker      string
	TopicPrefix string
	Chip        string
	HTTPAddr    string
}

// SensorStatus is the last known state of one configured sensor.
type SensorStatus struct {
	Name       string
	Pin        pulse.PinID
	Mode       pulse.Mode
	IntervalMs int64
	Digits     int
	Last       pulse.Value
	LastRead   time.Time // zero until the first read
	Reads      int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	RunID         string
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	MQTTBuffered  int // messages queued while disconnected
	Sensors       []SensorStatus
	Rejected      []string
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu      sync.RWMutex
	snap    Snapshot
	byName  map[string]int
	nowFunc func() time.Time
}

// NewTracker creates a Tracker with the given start time, run id and config.
func NewTracker(startTime time.Time, runID string, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			RunID:     runID,
			StartTime: startTime,
			Config:    cfg,
		},
		byName:  make(map[string]int),
		nowFunc: time.Now,
	}
}

// AddSensor registers a sensor for display. Sensors are listed in the order
// they are added. Adding a name twice is a no-op.
func (t *Tracker) AddSensor(name string, pin pulse.PinID, mode pulse.Mode, interval time.Duration, digits int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byName[name]; ok {
		return
	}
	t.byName[name] = len(t.snap.Sensors)
	t.snap.Sensors = append(t.snap.Sensors, SensorStatus{
		Name:       name,
		Pin:        pin,
		Mode:       mode,
		IntervalMs: interval.Milliseconds(),
		Digits:     digits,
	})
}

// AddRejected records a sensor that failed validation, for display.
func (t *Tracker) AddRejected(reason string) {
	t.mu.Lock()
	t.snap.Rejected = append(t.snap.Rejected, reason)
	t.mu.Unlock()
}

// Record stores the latest value of a sensor. Unknown names are ignored.
func (t *Tracker) Record(name string, v pulse.Value, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byName[name]
	if !ok {
		return
	}
	s := &t.snap.Sensors[i]
	s.Last = v
	s.LastRead = at
	s.Reads++
}

// SetMQTTBuffered sets the number of messages queued for the broker.
func (t *Tracker) SetMQTTBuffered(n int) {
	t.mu.Lock()
	t.snap.MQTTBuffered = n
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Sensors = append([]SensorStatus(nil), t.snap.Sensors...)
	s.Rejected = append([]string(nil), t.snap.Rejected...)
	now := t.nowFunc
	t.mu.RUnlock()
	s.Now = now()
	return s
}
