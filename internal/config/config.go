// Package config loads the pulse-sensor YAML configuration.
//
// Example configuration:
//
//	mqtt:
//	  broker: tcp://${MQTT_HOST:-192.168.1.200}:1883
//	  topic_prefix: home/pulse
//	gpio:
//	  chip: gpiochip0
//	http: ":8080"
//	heartbeat: 15m
//
//	sensors:
//	  - name: water_meter
//	    pin: 17
//	  - name: water_flow
//	    pin: 17
//	    type: frequency
//	    interval: 5s
//	    digits: 3
//
// Problems with the file as a whole (unreadable YAML, bad broker) fail Parse.
// Problems with a single sensor only reject that sensor: it is dropped from
// Sensors and reported in Rejected, and the remaining sensors still run.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sweeney/pulse-sensor/internal/gpio"
	"github.com/sweeney/pulse-sensor/internal/pulse"
	"gopkg.in/yaml.v3"
)

// Defaults and limits.
const (
	DefaultClientID    = "pulse-sensor"
	DefaultTopicPrefix = "pulse-sensor"
	DefaultHTTP        = ":8080"
	DefaultHeartbeat   = 15 * time.Minute
	DefaultInterval    = 60 * time.Second
	DefaultDigits      = 2

	MinInterval = 100 * time.Millisecond
	MaxInterval = time.Hour
	MaxDigits   = 9
)

// HTTPDisabled turns off the status server when used as the http value.
const HTTPDisabled = "off"

// Config is the root configuration structure.
type Config struct {
	MQTT MQTTConfig `yaml:"mqtt"`
	GPIO GPIOConfig `yaml:"gpio"`

	// HTTP is the status server listen address. "off" disables it.
	HTTP string `yaml:"http"`

	// Heartbeat is the interval between HEARTBEAT system events.
	// Omitted means 15m; "0s" disables heartbeats.
	Heartbeat *Duration `yaml:"heartbeat"`

	// Sensors holds the accepted sensors, in file order.
	Sensors []SensorConfig `yaml:"-"`

	// Rejected lists sensors removed from Sensors during validation.
	Rejected []*pulse.ConfigurationError `yaml:"-"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	// Broker is the broker URL. Supports ${VAR} and ${VAR:-default}.
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// GPIOConfig selects the GPIO character device.
type GPIOConfig struct {
	Chip string `yaml:"chip"`
}

// SensorConfig defines one published sensor.
type SensorConfig struct {
	// Name is the instance name. It is the last segment of the MQTT topic.
	Name string

	// Pin is the BCM line offset. Required.
	Pin *int

	// Type is "count" (default) or "frequency".
	Type string

	// Interval is the time between reads. Defaults to 60s.
	Interval Duration

	// Digits is the number of decimals published for frequencies. Defaults to 2.
	Digits *int

	// Edge is "rising" (default), "falling" or "both".
	Edge string

	// Bias is "pull-down" (default), "pull-up" or "disabled".
	Bias string

	// Mode and Watch are resolved from Type, Edge and Bias by Parse.
	Mode  pulse.Mode
	Watch gpio.WatchOptions
}

// sensorNode is one sensors entry with its values still untyped, so a value
// of the wrong type rejects that sensor alone.
type sensorNode struct {
	Name     yaml.Node `yaml:"name"`
	Pin      yaml.Node `yaml:"pin"`
	Type     yaml.Node `yaml:"type"`
	Interval yaml.Node `yaml:"interval"`
	Digits   yaml.Node `yaml:"digits"`
	Edge     yaml.Node `yaml:"edge"`
	Bias     yaml.Node `yaml:"bias"`
}

// file is the document layout on disk.
type file struct {
	Config  `yaml:",inline"`
	Sensors []yaml.Node `yaml:"sensors"`
}

// PinID returns the configured pin. Only valid after Parse.
func (s SensorConfig) PinID() pulse.PinID {
	return pulse.PinID(*s.Pin)
}

// Precision returns the configured digits. Only valid after Parse.
func (s SensorConfig) Precision() int {
	return *s.Digits
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// HeartbeatInterval returns the heartbeat interval; zero means disabled.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Heartbeat == nil {
		return DefaultHeartbeat
	}
	return c.Heartbeat.Duration()
}

// HTTPAddr returns the status server address, or "" when disabled.
func (c *Config) HTTPAddr() string {
	if c.HTTP == HTTPDisabled {
		return ""
	}
	return c.HTTP
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults and validates it.
// The returned error covers the file as a whole; per-sensor errors are in
// Config.Rejected.
func Parse(data []byte) (*Config, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	cfg := f.Config
	if err := cfg.validateGlobal(); err != nil {
		return nil, err
	}
	cfg.validateSensors(f.Sensors)
	return &cfg, nil
}

// RejectedError joins all per-sensor errors, or returns nil if none.
func (c *Config) RejectedError() error {
	errs := make([]error, len(c.Rejected))
	for i, e := range c.Rejected {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (c *Config) validateGlobal() error {
	m := &c.MQTT
	if m.Broker == "" {
		return errors.New("mqtt.broker is required")
	}
	broker, err := expandEnvVars(m.Broker)
	if err != nil {
		return fmt.Errorf("mqtt.broker: %w", err)
	}
	u, err := url.Parse(broker)
	if err != nil {
		return fmt.Errorf("mqtt.broker: invalid url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("mqtt.broker: missing host in %q", broker)
	}
	m.Broker = broker

	if m.ClientID == "" {
		m.ClientID = DefaultClientID
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = DefaultTopicPrefix
	}
	m.TopicPrefix = strings.TrimSuffix(m.TopicPrefix, "/")
	if strings.ContainsAny(m.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt.topic_prefix must not contain wildcards, got %q", m.TopicPrefix)
	}
	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
	}

	if c.GPIO.Chip == "" {
		c.GPIO.Chip = gpio.DefaultChip
	}
	if c.HTTP == "" {
		c.HTTP = DefaultHTTP
	}
	if c.Heartbeat != nil && c.Heartbeat.Duration() < 0 {
		return fmt.Errorf("heartbeat cannot be negative, got %s", c.Heartbeat.Duration())
	}
	return nil
}

// pinUse tracks what accepted sensors have claimed on a pin.
type pinUse struct {
	watch     gpio.WatchOptions
	frequency string // name of the frequency sensor on this pin, if any
}

// validateSensors decodes each entry, resolves defaults and puts every
// sensor either in Sensors or in Rejected.
func (c *Config) validateSensors(nodes []yaml.Node) {
	names := make(map[string]bool)
	pins := make(map[int]*pinUse)

	for i := range nodes {
		s, err := decodeSensor(i, &nodes[i])
		if err == nil {
			err = s.resolve(i, names)
		}
		if err != nil {
			c.Rejected = append(c.Rejected, err)
			continue
		}

		use, shared := pins[*s.Pin]
		if shared {
			if use.watch != s.Watch {
				c.Rejected = append(c.Rejected, &pulse.ConfigurationError{
					Sensor: s.Name, Field: "pin",
					Reason: fmt.Sprintf("pin %d is already watched with edge=%s bias=%s", *s.Pin, use.watch.Edge, use.watch.Bias),
				})
				continue
			}
			if s.Mode == pulse.ModeFrequency && use.frequency != "" {
				c.Rejected = append(c.Rejected, &pulse.ConfigurationError{
					Sensor: s.Name, Field: "type",
					Reason: fmt.Sprintf("pin %d already has frequency sensor %q", *s.Pin, use.frequency),
				})
				continue
			}
		} else {
			use = &pinUse{watch: s.Watch}
			pins[*s.Pin] = use
		}
		if s.Mode == pulse.ModeFrequency {
			use.frequency = s.Name
		}

		names[s.Name] = true
		c.Sensors = append(c.Sensors, s)
	}
}

// decodeSensor types one sensors entry field by field, naming the first
// field whose value does not fit.
func decodeSensor(i int, node *yaml.Node) (SensorConfig, *pulse.ConfigurationError) {
	var s SensorConfig
	var raw sensorNode
	if err := node.Decode(&raw); err != nil {
		return s, &pulse.ConfigurationError{
			Reason: fmt.Sprintf("sensors[%d] (line %d) is not a mapping", i, node.Line),
		}
	}

	fields := []struct {
		name string
		node *yaml.Node
		out  any
	}{
		{"name", &raw.Name, &s.Name},
		{"pin", &raw.Pin, &s.Pin},
		{"type", &raw.Type, &s.Type},
		{"interval", &raw.Interval, &s.Interval},
		{"digits", &raw.Digits, &s.Digits},
		{"edge", &raw.Edge, &s.Edge},
		{"bias", &raw.Bias, &s.Bias},
	}
	for _, f := range fields {
		if f.node.Kind == 0 {
			continue // absent
		}
		if err := f.node.Decode(f.out); err != nil {
			return s, &pulse.ConfigurationError{
				Sensor: s.Name,
				Field:  f.name,
				Reason: fmt.Sprintf("invalid value %q (line %d)", f.node.Value, f.node.Line),
			}
		}
	}
	return s, nil
}

// resolve applies defaults to one sensor and checks its own fields.
func (s *SensorConfig) resolve(i int, names map[string]bool) *pulse.ConfigurationError {
	fail := func(field, format string, args ...any) *pulse.ConfigurationError {
		return &pulse.ConfigurationError{Sensor: s.Name, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if s.Name == "" {
		return fail("name", "is required (sensors[%d])", i)
	}
	if strings.ContainsAny(s.Name, "/+#") {
		return fail("name", "must not contain '/', '+' or '#'")
	}
	if names[s.Name] {
		return fail("name", "duplicate sensor name")
	}

	if s.Pin == nil {
		return fail("pin", "is required")
	}
	if *s.Pin < 0 {
		return fail("pin", "must not be negative, got %d", *s.Pin)
	}

	mode, err := pulse.ParseMode(s.Type)
	if err != nil {
		return fail("type", "%v", err)
	}
	s.Mode = mode

	edge, err := gpio.ParseEdge(s.Edge)
	if err != nil {
		return fail("edge", "%v", err)
	}
	bias, err := gpio.ParseBias(s.Bias)
	if err != nil {
		return fail("bias", "%v", err)
	}
	s.Watch = gpio.WatchOptions{Edge: edge, Bias: bias}

	if s.Interval == 0 {
		s.Interval = Duration(DefaultInterval)
	}
	if d := s.Interval.Duration(); d < MinInterval || d > MaxInterval {
		return fail("interval", "must be between %s and %s, got %s", MinInterval, MaxInterval, d)
	}

	if s.Digits == nil {
		d := DefaultDigits
		s.Digits = &d
	}
	if *s.Digits < 0 || *s.Digits > MaxDigits {
		return fail("digits", "must be between 0 and %d, got %d", MaxDigits, *s.Digits)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
// An unset variable without a default is an error.
func expandEnvVars(s string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := envVarPattern.FindStringSubmatch(match)
		name, hasDefault, def := sub[1], sub[2] != "", sub[3]

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		firstErr = fmt.Errorf("environment variable %q is not set", name)
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
