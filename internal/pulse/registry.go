// Package pulse counts edges on digital input lines and derives the two
// observables published for each line: the running total and the pulse
// frequency between successive reads.
//
// A Registry is the single owner of all counter state. EdgeHandler is the only
// thing that increments a counter; Sensor reads it. Nothing in this package
// does I/O, so tests drive it with explicit timestamps.
package pulse

import (
	"sync"
	"sync/atomic"
	"time"
)

// PinID identifies a digital input line (BCM line offset on a Pi).
type PinID int

// counter is the state kept for one pin.
// count is written from the edge path without taking mu; the baseline pair is
// only touched by the polling path, under mu.
type counter struct {
	count atomic.Uint64

	mu        sync.Mutex
	lastCount uint64
	lastTime  time.Time
	baselined bool
}

// Snapshot is a consistent view of one pin's counter.
type Snapshot struct {
	Count     uint64
	LastCount uint64
	// LastTime is the time of the previous frequency read. Only meaningful
	// when Baselined is true.
	LastTime  time.Time
	Baselined bool
}

func (c *counter) snapshotLocked() Snapshot {
	return Snapshot{
		Count:     c.count.Load(),
		LastCount: c.lastCount,
		LastTime:  c.lastTime,
		Baselined: c.baselined,
	}
}

func (c *counter) setBaselineLocked(count uint64, at time.Time) {
	c.lastCount = count
	c.lastTime = at
	c.baselined = true
}

// Registry maps pins to their counters. Pins are independent: no operation
// locks more than one pin.
type Registry struct {
	mu   sync.RWMutex
	pins map[PinID]*counter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pins: make(map[PinID]*counter)}
}

// Register creates a zeroed counter for pin. Registering a pin that already
// exists is a no-op and keeps its accumulated count.
func (r *Registry) Register(pin PinID) {
	r.mu.Lock()
	if _, ok := r.pins[pin]; !ok {
		r.pins[pin] = &counter{}
	}
	r.mu.Unlock()
}

// Registered reports whether pin has a counter.
func (r *Registry) Registered(pin PinID) bool {
	r.mu.RLock()
	_, ok := r.pins[pin]
	r.mu.RUnlock()
	return ok
}

// Pins returns the number of registered pins.
func (r *Registry) Pins() int {
	r.mu.RLock()
	n := len(r.pins)
	r.mu.RUnlock()
	return n
}

// lookup returns the counter for pin and panics if there is none.
// Touching an unregistered pin means setup ran out of order.
func (r *Registry) lookup(pin PinID, op string) *counter {
	r.mu.RLock()
	c := r.pins[pin]
	r.mu.RUnlock()
	if c == nil {
		panic(InvariantViolation{Pin: pin, Op: op, Detail: "pin not registered"})
	}
	return c
}

// Increment adds one pulse to pin. It does not allocate or block beyond the
// registry read lock, so it is safe to call from the edge event goroutine.
// It panics if pin was never registered.
func (r *Registry) Increment(pin PinID) {
	r.lookup(pin, "increment").count.Add(1)
}

// Snapshot returns count, last count and last time for pin as one consistent
// value. It panics if pin was never registered.
func (r *Registry) Snapshot(pin PinID) Snapshot {
	c := r.lookup(pin, "snapshot")
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// UpdateFrequencyBaseline records the count and time of a frequency read, to
// be used as the start of the next interval.
func (r *Registry) UpdateFrequencyBaseline(pin PinID, lastCount uint64, lastTime time.Time) {
	c := r.lookup(pin, "update baseline")
	c.mu.Lock()
	c.setBaselineLocked(lastCount, lastTime)
	c.mu.Unlock()
}
