package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/pulse-sensor/internal/config"
	"github.com/sweeney/pulse-sensor/internal/gpio"
	"github.com/sweeney/pulse-sensor/internal/mqtt"
	"github.com/sweeney/pulse-sensor/internal/pulse"
	"github.com/sweeney/pulse-sensor/internal/status"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Call 0 is runLoop's start; call i is tick i. If before
// is set it runs ahead of each call, which lets a test inject edges for a tick
// from inside runLoop's goroutine.
func fakeClock(start time.Time, step time.Duration, before func(call int)) func() time.Time {
	n := 0
	return func() time.Time {
		if before != nil {
			before(n)
		}
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

// runRunLoop drives runLoop for nTicks ticks followed by signal.
func runRunLoop(t *testing.T, sensors []*polled, pub *mqtt.FakePublisher, tracker *status.Tracker, heartbeat time.Duration, clock func() time.Time, nTicks int, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(sensors, pub, pub, tracker, heartbeat, clock, tick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	sig <- signal

	return <-errCh
}

func mustParse(t *testing.T, yml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func mustBuild(t *testing.T, cfg *config.Config, watcher gpio.Watcher) []*polled {
	t.Helper()
	sensors, rejected, err := buildSensors(cfg, pulse.NewRegistry(), watcher)
	if err != nil {
		t.Fatalf("buildSensors: %v", err)
	}
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejected sensors: %v", rejected)
	}
	return sensors
}

const meterAndFlow = `
mqtt:
  broker: tcp://localhost:1883
sensors:
  - name: water_meter
    pin: 17
    interval: 1s
  - name: water_flow
    pin: 17
    type: frequency
    interval: 1s
`

func TestRunLoopNoTicks(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(t0, time.Second, nil)

	err := runRunLoop(t, nil, pub, nil, 0, clock, 0, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.Readings) != 0 {
		t.Errorf("expected 0 readings, got %d", len(pub.Readings))
	}
	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	if pub.SystemEvents[0].Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN event, got %q", pub.SystemEvents[0].Event)
	}
}

func TestRunLoopCountAndFrequency(t *testing.T) {
	watcher := gpio.NewFakeWatcher()
	sensors := mustBuild(t, mustParse(t, meterAndFlow), watcher)

	// Edges arriving before ticks 1, 2 and 3.
	edges := map[int]int{1: 10, 2: 5, 3: 0}
	clock := fakeClock(t0, time.Second, func(call int) {
		watcher.Trigger(17, edges[call])
	})
	pub := mqtt.NewFakePublisher()

	if err := runRunLoop(t, sensors, pub, nil, 0, clock, 3, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	meter := pub.ReadingsFor("water_meter")
	wantCounts := []uint64{10, 15, 15}
	if len(meter) != len(wantCounts) {
		t.Fatalf("water_meter: got %d readings, want %d", len(meter), len(wantCounts))
	}
	for i, want := range wantCounts {
		if meter[i].Value.Count != want {
			t.Errorf("water_meter[%d]: got %d, want %d", i, meter[i].Value.Count, want)
		}
		if meter[i].Pin != 17 {
			t.Errorf("water_meter[%d]: pin %d, want 17", i, meter[i].Pin)
		}
	}

	flow := pub.ReadingsFor("water_flow")
	wantText := []string{"0.00", "5.00", "0.00"}
	if len(flow) != len(wantText) {
		t.Fatalf("water_flow: got %d readings, want %d", len(flow), len(wantText))
	}
	for i, want := range wantText {
		if got := string(flow[i].Text()); got != want {
			t.Errorf("water_flow[%d]: got %q, want %q", i, got, want)
		}
		if flow[i].Value.Mode != pulse.ModeFrequency {
			t.Errorf("water_flow[%d]: mode %q", i, flow[i].Value.Mode)
		}
	}

	if !flow[1].Timestamp.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("timestamp: got %v, want %v", flow[1].Timestamp, t0.Add(2*time.Second))
	}
}

func TestRunLoopPerSensorInterval(t *testing.T) {
	yml := `
mqtt:
  broker: tcp://localhost:1883
sensors:
  - name: fast
    pin: 5
    interval: 1s
  - name: slow
    pin: 6
    interval: 3s
`
	sensors := mustBuild(t, mustParse(t, yml), gpio.NewFakeWatcher())
	if got := baseTick(sensors); got != time.Second {
		t.Fatalf("baseTick: got %v, want 1s", got)
	}

	pub := mqtt.NewFakePublisher()
	clock := fakeClock(t0, time.Second, nil)
	if err := runRunLoop(t, sensors, pub, nil, 0, clock, 6, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if got := len(pub.ReadingsFor("fast")); got != 6 {
		t.Errorf("fast: got %d readings, want 6", got)
	}
	// Ticks at 1s and 4s.
	slow := pub.ReadingsFor("slow")
	if len(slow) != 2 {
		t.Fatalf("slow: got %d readings, want 2", len(slow))
	}
	if !slow[1].Timestamp.Equal(t0.Add(4 * time.Second)) {
		t.Errorf("slow second read at %v, want %v", slow[1].Timestamp, t0.Add(4*time.Second))
	}
}

func TestRunLoopRecordsStatus(t *testing.T) {
	watcher := gpio.NewFakeWatcher()
	cfg := mustParse(t, meterAndFlow)
	sensors := mustBuild(t, cfg, watcher)

	tracker := status.NewTracker(t0, "run-1", status.Config{})
	for _, p := range sensors {
		tracker.AddSensor(p.sensor.Name(), p.sensor.Pin(), p.sensor.Mode(), p.interval, p.digits)
	}

	clock := fakeClock(t0, time.Second, func(call int) {
		if call == 1 {
			watcher.Trigger(17, 4)
		}
	})
	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	pub.Pending = 3

	if err := runRunLoop(t, sensors, pub, tracker, 0, clock, 2, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	snap := tracker.Snapshot()
	if !snap.MQTTConnected {
		t.Error("expected MQTTConnected to follow the publisher")
	}
	if snap.MQTTBuffered != 3 {
		t.Errorf("MQTTBuffered: got %d, want 3", snap.MQTTBuffered)
	}
	for _, s := range snap.Sensors {
		if s.Reads != 2 {
			t.Errorf("%s: Reads got %d, want 2", s.Name, s.Reads)
		}
		if s.Name == "water_meter" && s.Last.Count != 4 {
			t.Errorf("water_meter: Last got %d, want 4", s.Last.Count)
		}
	}

	se := pub.SystemEvents[len(pub.SystemEvents)-1]
	if se.Event != "SHUTDOWN" {
		t.Fatalf("expected SHUTDOWN, got %q", se.Event)
	}
	if !bytes.Contains(se.RawPayload, []byte(`"water_meter"`)) {
		t.Errorf("SHUTDOWN payload should carry sensor status: %s", se.RawPayload)
	}
}

func TestRunLoopPublishError(t *testing.T) {
	sensors := mustBuild(t, mustParse(t, meterAndFlow), gpio.NewFakeWatcher())
	pub := mqtt.NewFakePublisher()
	pub.PublishError = errors.New("broker unavailable")
	clock := fakeClock(t0, time.Second, nil)

	if err := runRunLoop(t, sensors, pub, nil, 0, clock, 3, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.Readings) != 0 {
		t.Errorf("expected 0 recorded readings (publish failed), got %d", len(pub.Readings))
	}

	found := false
	for _, se := range pub.SystemEvents {
		if se.Event == "SHUTDOWN" {
			found = true
		}
	}
	if !found {
		t.Error("expected SHUTDOWN system event despite publish errors")
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	// Ticks at 5m steps: the 15m heartbeat fires at 15m and 30m.
	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(t0, "run-1", status.Config{HeartbeatMs: (15 * time.Minute).Milliseconds()})
	clock := fakeClock(t0, 5*time.Minute, nil)

	if err := runRunLoop(t, nil, pub, tracker, 15*time.Minute, clock, 6, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	var heartbeats, shutdowns int
	for _, se := range pub.SystemEvents {
		switch se.Event {
		case "HEARTBEAT":
			heartbeats++
			if !bytes.Contains(se.RawPayload, []byte(`"HEARTBEAT"`)) {
				t.Errorf("HEARTBEAT payload missing event name: %s", se.RawPayload)
			}
			if se.Retained {
				t.Error("HEARTBEAT should not be retained")
			}
		case "SHUTDOWN":
			shutdowns++
		}
	}
	if heartbeats != 2 {
		t.Errorf("expected 2 HEARTBEAT events, got %d", heartbeats)
	}
	if shutdowns != 1 {
		t.Errorf("expected 1 SHUTDOWN event, got %d", shutdowns)
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(t0, time.Hour, nil)

	if err := runRunLoop(t, nil, pub, nil, 0, clock, 4, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 1 {
		t.Errorf("expected only SHUTDOWN, got %d system events", len(pub.SystemEvents))
	}
}

func TestRunLoopShutdownSignals(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			pub := mqtt.NewFakePublisher()
			clock := fakeClock(t0, time.Second, nil)

			if err := runRunLoop(t, nil, pub, nil, 0, clock, 1, tt.sig); err != nil {
				t.Fatalf("runLoop returned error: %v", err)
			}
			if len(pub.SystemEvents) != 1 {
				t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
			}
			se := pub.SystemEvents[0]
			if se.Event != "SHUTDOWN" {
				t.Errorf("expected SHUTDOWN, got %q", se.Event)
			}
			if se.Reason != tt.want {
				t.Errorf("expected reason %s, got %q", tt.want, se.Reason)
			}
			if !se.Retained {
				t.Error("expected Retained=true for SHUTDOWN")
			}
		})
	}
}

func TestBuildSensorsWatchesEachPinOnce(t *testing.T) {
	yml := `
mqtt:
  broker: tcp://localhost:1883
sensors:
  - name: meter
    pin: 17
    edge: falling
    bias: pull-up
  - name: flow
    pin: 17
    type: frequency
    edge: falling
    bias: pull-up
  - name: gas
    pin: 27
`
	watcher := gpio.NewFakeWatcher()
	reg := pulse.NewRegistry()
	sensors, rejected, err := buildSensors(mustParse(t, yml), reg, watcher)
	if err != nil {
		t.Fatalf("buildSensors: %v", err)
	}
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejected: %v", rejected)
	}
	if len(sensors) != 3 {
		t.Fatalf("expected 3 sensors, got %d", len(sensors))
	}
	if reg.Pins() != 2 {
		t.Errorf("registry pins: got %d, want 2", reg.Pins())
	}

	if !watcher.Watched(17) || !watcher.Watched(27) {
		t.Fatal("expected pins 17 and 27 to be watched")
	}
	want := gpio.WatchOptions{Edge: gpio.EdgeFalling, Bias: gpio.BiasPullUp}
	if got := watcher.Options[17]; got != want {
		t.Errorf("pin 17 options: got %+v, want %+v", got, want)
	}

	watcher.Trigger(17, 3)
	watcher.Trigger(27, 1)
	if got := reg.Snapshot(17).Count; got != 3 {
		t.Errorf("pin 17 count: got %d, want 3", got)
	}
	if got := reg.Snapshot(27).Count; got != 1 {
		t.Errorf("pin 27 count: got %d, want 1", got)
	}
}

func TestBuildSensorsWatchError(t *testing.T) {
	watcher := gpio.NewFakeWatcher()
	watcher.WatchError = errors.New("line busy")

	_, _, err := buildSensors(mustParse(t, meterAndFlow), pulse.NewRegistry(), watcher)
	if err == nil {
		t.Fatal("expected error when a pin cannot be watched")
	}
	if !strings.Contains(err.Error(), "line busy") {
		t.Errorf("error should wrap the watcher error: %v", err)
	}
}

func TestBuildSensorsSkipsInvalidSensor(t *testing.T) {
	cfg := mustParse(t, meterAndFlow)
	cfg.Sensors[1].Mode = "rpm"

	watcher := gpio.NewFakeWatcher()
	sensors, rejected, err := buildSensors(cfg, pulse.NewRegistry(), watcher)
	if err != nil {
		t.Fatalf("buildSensors: %v", err)
	}
	if len(sensors) != 1 || sensors[0].sensor.Name() != "water_meter" {
		t.Fatalf("expected only water_meter, got %d sensors", len(sensors))
	}
	if len(rejected) != 1 {
		t.Fatalf("expected 1 rejected sensor, got %d", len(rejected))
	}
	var cfgErr *pulse.ConfigurationError
	if !errors.As(rejected[0], &cfgErr) || cfgErr.Sensor != "water_flow" {
		t.Errorf("rejected: got %v", rejected[0])
	}
}

func TestBaseTick(t *testing.T) {
	mk := func(ds ...time.Duration) []*polled {
		out := make([]*polled, len(ds))
		for i, d := range ds {
			out[i] = &polled{interval: d}
		}
		return out
	}

	tests := []struct {
		name string
		in   []*polled
		want time.Duration
	}{
		{"none", nil, config.DefaultInterval},
		{"single", mk(5 * time.Second), 5 * time.Second},
		{"multiples", mk(10*time.Second, 30*time.Second), 10 * time.Second},
		{"coprime", mk(2*time.Second, 3*time.Second), time.Second},
		{"sub-second", mk(1500*time.Millisecond, time.Second), 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := baseTick(tt.in); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolledDue(t *testing.T) {
	p := &polled{interval: time.Second}
	if !p.due(t0, 0) {
		t.Error("a sensor that was never read should be due")
	}
	p.next = t0.Add(time.Second)
	if p.due(t0.Add(999*time.Millisecond), 0) {
		t.Error("should not be due before next without slack")
	}
	if !p.due(t0.Add(time.Second), 0) {
		t.Error("should be due at next")
	}
	if !p.due(t0.Add(996*time.Millisecond), 500*time.Millisecond) {
		t.Error("should be due within slack of next")
	}
	if p.due(t0.Add(400*time.Millisecond), 500*time.Millisecond) {
		t.Error("should not be due beyond slack")
	}
}

func TestPolledAdvance(t *testing.T) {
	p := &polled{interval: time.Second}

	p.advance(t0.Add(1005 * time.Millisecond))
	if want := t0.Add(2005 * time.Millisecond); !p.next.Equal(want) {
		t.Fatalf("first read: next %v, want %v", p.next, want)
	}

	// An early tick keeps the schedule's phase.
	p.advance(t0.Add(2001 * time.Millisecond))
	if want := t0.Add(3005 * time.Millisecond); !p.next.Equal(want) {
		t.Errorf("early tick: next %v, want %v", p.next, want)
	}

	// Missed periods are skipped.
	p.advance(t0.Add(6200 * time.Millisecond))
	if want := t0.Add(7005 * time.Millisecond); !p.next.Equal(want) {
		t.Errorf("after gap: next %v, want %v", p.next, want)
	}
}

// A late first tick followed by punctual ones must not drop reads.
func TestRunLoopTickJitter(t *testing.T) {
	yml := `
mqtt:
  broker: tcp://localhost:1883
sensors:
  - name: meter
    pin: 5
    interval: 1s
`
	sensors := mustBuild(t, mustParse(t, yml), gpio.NewFakeWatcher())

	times := []time.Time{
		t0,
		t0.Add(1005 * time.Millisecond),
		t0.Add(2001 * time.Millisecond),
		t0.Add(3001 * time.Millisecond),
		t0.Add(4030 * time.Millisecond),
		t0.Add(4999 * time.Millisecond),
	}
	n := 0
	clock := func() time.Time {
		tm := times[len(times)-1]
		if n < len(times) {
			tm = times[n]
		}
		n++
		return tm
	}

	pub := mqtt.NewFakePublisher()
	if err := runRunLoop(t, sensors, pub, nil, 0, clock, len(times)-1, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if got := len(pub.ReadingsFor("meter")); got != len(times)-1 {
		t.Errorf("got %d readings over %d ticks, want one per tick", got, len(times)-1)
	}
}

// --- command tests ---

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, yml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "pulse-sensor "+version) {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "-c", writeConfig(t, meterAndFlow))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "2 accepted, 0 rejected") {
		t.Errorf("missing sensor summary:\n%s", out)
	}
	if !strings.Contains(out, "pulse-sensor/sensor/water_flow") {
		t.Errorf("missing topic:\n%s", out)
	}
}

func TestValidateCommandRejectedSensor(t *testing.T) {
	yml := meterAndFlow + `  - name: broken
    pin: 4
    type: rpm
`
	out, err := execute(t, "validate", "-c", writeConfig(t, yml))
	if err == nil {
		t.Fatal("expected error for rejected sensor")
	}
	if !strings.Contains(err.Error(), `sensor "broken"`) {
		t.Errorf("error should name the sensor: %v", err)
	}
	if !strings.Contains(out, "2 accepted, 1 rejected") {
		t.Errorf("missing sensor summary:\n%s", out)
	}
}

func TestValidateCommandMissingFile(t *testing.T) {
	_, err := execute(t, "validate", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
