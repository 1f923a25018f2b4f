package pulse

import (
	"fmt"
	"strconv"
	"time"
)

// Mode selects which observable a Sensor reports.
type Mode string

const (
	ModeCount     Mode = "count"
	ModeFrequency Mode = "frequency"
)

// Modes lists the accepted modes in the order they are documented.
var Modes = []Mode{ModeCount, ModeFrequency}

// ParseMode converts a configured type string to a Mode.
// The empty string selects ModeCount.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeCount:
		return ModeCount, nil
	case ModeFrequency:
		return ModeFrequency, nil
	}
	return "", fmt.Errorf("%q is not one of %s, %s", s, ModeCount, ModeFrequency)
}

// Value is the result of one sensor read.
type Value struct {
	Mode      Mode
	Count     uint64  // set in ModeCount
	Frequency float64 // pulses per second, set in ModeFrequency
}

// Float64 returns the value as a float regardless of mode.
func (v Value) Float64() float64 {
	if v.Mode == ModeFrequency {
		return v.Frequency
	}
	return float64(v.Count)
}

// Format renders the value for publishing. Counts are plain integers;
// frequencies are rounded to digits decimal places.
func (v Value) Format(digits int) string {
	if v.Mode == ModeFrequency {
		return strconv.FormatFloat(v.Frequency, 'f', digits, 64)
	}
	return strconv.FormatUint(v.Count, 10)
}

// Sensor reports count or frequency for one pin.
type Sensor struct {
	name string
	pin  PinID
	mode Mode
	reg  *Registry
}

// NewSensor validates the sensor's configuration and binds it to pin in reg,
// registering the pin if needed. An existing counter for pin is kept.
// The returned error is a *ConfigurationError naming the sensor.
func NewSensor(reg *Registry, name string, pin PinID, mode string) (*Sensor, error) {
	if name == "" {
		return nil, &ConfigurationError{Field: "name", Reason: "is required"}
	}
	if pin < 0 {
		return nil, &ConfigurationError{Sensor: name, Field: "pin", Reason: fmt.Sprintf("must not be negative, got %d", pin)}
	}
	m, err := ParseMode(mode)
	if err != nil {
		return nil, &ConfigurationError{Sensor: name, Field: "type", Reason: err.Error()}
	}

	reg.Register(pin)
	return &Sensor{name: name, pin: pin, mode: m, reg: reg}, nil
}

// Name returns the configured instance name.
func (s *Sensor) Name() string { return s.name }

// Pin returns the pin the sensor is bound to.
func (s *Sensor) Pin() PinID { return s.pin }

// Mode returns the sensor's mode.
func (s *Sensor) Mode() Mode { return s.mode }

// Read is ReadAt(time.Now()).
func (s *Sensor) Read() Value {
	return s.ReadAt(time.Now())
}

// ReadAt returns the sensor's value as of now.
//
// In ModeCount the read has no side effects. In ModeFrequency every read
// moves the pin's baseline to (current count, now), so two reads in a row
// measure two different intervals: the first frequency read for a pin always
// returns 0, and a read at the same instant as the baseline returns 0 and
// leaves the baseline where it was.
func (s *Sensor) ReadAt(now time.Time) Value {
	switch s.mode {
	case ModeCount:
		return Value{Mode: ModeCount, Count: s.reg.Snapshot(s.pin).Count}
	case ModeFrequency:
		return Value{Mode: ModeFrequency, Frequency: s.readFrequency(now)}
	}
	panic(InvariantViolation{Pin: s.pin, Op: "read", Detail: fmt.Sprintf("sensor %q has unknown mode %q", s.name, s.mode)})
}

func (s *Sensor) readFrequency(now time.Time) float64 {
	c := s.reg.lookup(s.pin, "read")
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snapshotLocked()
	hz, advance := rate(snap, now)
	if advance {
		c.setBaselineLocked(snap.Count, now)
	}
	return hz
}

// rate computes the pulse frequency between the baseline in snap and now.
// advance reports whether the baseline should move to (snap.Count, now).
func rate(snap Snapshot, now time.Time) (hz float64, advance bool) {
	if !snap.Baselined {
		return 0, true
	}
	secs := now.Sub(snap.LastTime).Seconds()
	if secs <= 0 {
		return 0, false
	}
	return float64(snap.Count-snap.LastCount) / secs, true
}
