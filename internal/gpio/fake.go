package gpio

import (
	"fmt"
	"sync"
)

// FakeWatcher is a test double that fires edges on demand.
type FakeWatcher struct {
	mu       sync.Mutex
	handlers map[int]EdgeFunc

	// Options records the options each pin was watched with.
	Options map[int]WatchOptions

	// Closed tracks if Close was called.
	Closed bool

	// WatchError, if set, will be returned by Watch.
	WatchError error
}

// NewFakeWatcher creates a FakeWatcher with no watched pins.
func NewFakeWatcher() *FakeWatcher {
	return &FakeWatcher{
		handlers: make(map[int]EdgeFunc),
		Options:  make(map[int]WatchOptions),
	}
}

// Watch records the handler for pin.
func (f *FakeWatcher) Watch(pin int, opts WatchOptions, handler EdgeFunc) error {
	if f.WatchError != nil {
		return f.WatchError
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[pin]; ok {
		return fmt.Errorf("pin %d already watched", pin)
	}
	f.handlers[pin] = handler
	f.Options[pin] = opts.withDefaults()
	return nil
}

// Watched reports whether pin has a handler.
func (f *FakeWatcher) Watched(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[pin]
	return ok
}

// Trigger delivers n edges on pin, as the kernel would.
// Edges on an unwatched pin are dropped, as on real hardware.
func (f *FakeWatcher) Trigger(pin, n int) {
	f.mu.Lock()
	h := f.handlers[pin]
	f.mu.Unlock()
	if h == nil {
		return
	}
	for i := 0; i < n; i++ {
		h(pin)
	}
}

// Close marks the watcher as closed and forgets all handlers.
func (f *FakeWatcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = make(map[int]EdgeFunc)
	f.Closed = true
	return nil
}
