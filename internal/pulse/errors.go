package pulse

import "fmt"

// ConfigurationError reports a sensor instance that cannot be built from its
// configuration. Only that instance is rejected.
type ConfigurationError struct {
	Sensor string // configured instance name, may be empty if the name itself is missing
	Field  string // e.g. "type", "pin"
	Reason string
}

func (e *ConfigurationError) Error() string {
	name := e.Sensor
	if name == "" {
		name = "<unnamed>"
	}
	if e.Field == "" {
		return fmt.Sprintf("sensor %q: %s", name, e.Reason)
	}
	return fmt.Sprintf("sensor %q: %s: %s", name, e.Field, e.Reason)
}

// InvariantViolation is the panic value raised when the registry is used in
// a way setup should have made impossible: an edge or read for a pin that was
// never registered, or a sensor holding a mode outside the known set.
type InvariantViolation struct {
	Pin    PinID
	Op     string
	Detail string
}

func (v InvariantViolation) Error() string {
	return fmt.Sprintf("pulse: invariant violated: %s on pin %d: %s", v.Op, v.Pin, v.Detail)
}
