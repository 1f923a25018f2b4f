// Package gpio watches digital input lines for edges, with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "fmt"

// EdgeFunc is called once per qualifying edge with the line offset.
// It runs on the watcher's event goroutine and must not block.
type EdgeFunc func(pin int)

// Watcher delivers edge events for requested lines.
type Watcher interface {
	// Watch requests pin as an input and calls handler on every edge
	// selected by opts. Each pin may be watched once.
	Watch(pin int, opts WatchOptions, handler EdgeFunc) error

	// Close releases all watched lines.
	Close() error
}

// Edge selects which transitions are counted.
type Edge string

const (
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
	EdgeBoth    Edge = "both"
)

// Bias selects the line's internal pull resistor.
type Bias string

const (
	BiasPullUp   Bias = "pull-up"
	BiasPullDown Bias = "pull-down"
	BiasDisabled Bias = "disabled"
)

// WatchOptions configures a watched line. Zero values select the defaults.
type WatchOptions struct {
	Edge Edge
	Bias Bias
}

// DefaultChip is the GPIO character device on a Raspberry Pi.
const DefaultChip = "gpiochip0"

// ParseEdge validates a configured edge string. Empty selects EdgeRising.
func ParseEdge(s string) (Edge, error) {
	switch e := Edge(s); e {
	case "":
		return EdgeRising, nil
	case EdgeRising, EdgeFalling, EdgeBoth:
		return e, nil
	}
	return "", fmt.Errorf("%q is not one of %s, %s, %s", s, EdgeRising, EdgeFalling, EdgeBoth)
}

// ParseBias validates a configured bias string. Empty selects BiasPullDown,
// matching the Pi boot default for most header pins.
func ParseBias(s string) (Bias, error) {
	switch b := Bias(s); b {
	case "":
		return BiasPullDown, nil
	case BiasPullUp, BiasPullDown, BiasDisabled:
		return b, nil
	}
	return "", fmt.Errorf("%q is not one of %s, %s, %s", s, BiasPullUp, BiasPullDown, BiasDisabled)
}

// withDefaults fills empty fields of opts.
func (o WatchOptions) withDefaults() WatchOptions {
	if o.Edge == "" {
		o.Edge = EdgeRising
	}
	if o.Bias == "" {
		o.Bias = BiasPullDown
	}
	return o
}
