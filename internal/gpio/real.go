//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// consumer is the label shown for our lines in gpioinfo.
const consumer = "pulse-sensor"

// RealWatcher watches lines on actual hardware using the Linux GPIO character device.
type RealWatcher struct {
	chip *gpiocdev.Chip

	mu    sync.Mutex
	lines map[int]*gpiocdev.Line
}

// NewRealWatcher opens the named GPIO chip, e.g. "gpiochip0".
func NewRealWatcher(chipName string) (*RealWatcher, error) {
	if chipName == "" {
		chipName = DefaultChip
	}
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}
	return &RealWatcher{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line),
	}, nil
}

// Watch requests pin as an input with edge detection. The kernel timestamps
// each edge and the library delivers them in order on its own goroutine,
// where handler is called.
func (w *RealWatcher) Watch(pin int, opts WatchOptions, handler EdgeFunc) error {
	opts = opts.withDefaults()

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.lines[pin]; ok {
		return fmt.Errorf("pin %d already watched", pin)
	}

	reqOpts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		edgeOption(opts.Edge),
		biasOption(opts.Bias),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			handler(evt.Offset)
		}),
	}
	line, err := w.chip.RequestLine(pin, reqOpts...)
	if err != nil {
		return fmt.Errorf("request pin %d: %w", pin, err)
	}
	w.lines[pin] = line
	return nil
}

func edgeOption(e Edge) gpiocdev.LineReqOption {
	switch e {
	case EdgeFalling:
		return gpiocdev.WithFallingEdge
	case EdgeBoth:
		return gpiocdev.WithBothEdges
	default:
		return gpiocdev.WithRisingEdge
	}
}

func biasOption(b Bias) gpiocdev.LineReqOption {
	switch b {
	case BiasPullUp:
		return gpiocdev.WithPullUp
	case BiasDisabled:
		return gpiocdev.WithBiasDisabled
	default:
		return gpiocdev.WithPullDown
	}
}

// Close releases all watched lines.
// Reconfigures each line to input with pull-down and no edge detection
// (matching Pi boot defaults) before closing, so external hardware sees a
// clean state through shutdown and reboot.
func (w *RealWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for pin, line := range w.lines {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown, gpiocdev.WithoutEdges); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
		delete(w.lines, pin)
	}
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		w.chip = nil
	}
	return errors.Join(errs...)
}
