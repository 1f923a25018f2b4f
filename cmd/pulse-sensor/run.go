package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/sweeney/pulse-sensor/internal/config"
	"github.com/sweeney/pulse-sensor/internal/gpio"
	"github.com/sweeney/pulse-sensor/internal/mqtt"
	"github.com/sweeney/pulse-sensor/internal/pulse"
	"github.com/sweeney/pulse-sensor/internal/status"
	"github.com/sweeney/pulse-sensor/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	Long: `Start counting pulses and publishing readings.

The daemon runs until it receives SIGINT or SIGTERM, then publishes a
SHUTDOWN event and releases the GPIO lines.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = runCmd.MarkFlagRequired("config")
}

// polled is a sensor with its publishing schedule.
type polled struct {
	sensor   *pulse.Sensor
	interval time.Duration
	digits   int
	next     time.Time // zero until the first read
}

// due reports whether the sensor should be read at t. A tick up to slack
// ahead of the scheduled time still counts, so a late tick followed by a
// punctual one does not skip a read.
func (p *polled) due(t time.Time, slack time.Duration) bool {
	return p.next.IsZero() || !t.Before(p.next.Add(-slack))
}

// advance schedules the next read after a read at t. The schedule keeps its
// own phase; periods missed entirely are skipped, not read in a burst.
func (p *polled) advance(t time.Time) {
	if p.next.IsZero() {
		p.next = t.Add(p.interval)
		return
	}
	p.next = p.next.Add(p.interval)
	for !p.next.After(t) {
		p.next = p.next.Add(p.interval)
	}
}

func run(cfg *config.Config) error {
	runID := uuid.NewString()

	// Initialize GPIO
	watcher, err := gpio.NewRealWatcher(cfg.GPIO.Chip)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer watcher.Close()

	tracker := status.NewTracker(time.Now(), runID, status.Config{
		HeartbeatMs: cfg.HeartbeatInterval().Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Chip:        cfg.GPIO.Chip,
		HTTPAddr:    cfg.HTTPAddr(),
	})
	for _, rej := range cfg.Rejected {
		log.Printf("config: %v", rej)
		tracker.AddRejected(rej.Error())
	}

	registry := pulse.NewRegistry()
	sensors, rejected, err := buildSensors(cfg, registry, watcher)
	if err != nil {
		return err
	}
	for _, rej := range rejected {
		log.Printf("config: %v", rej)
		tracker.AddRejected(rej.Error())
	}
	if len(sensors) == 0 {
		return errors.New("no usable sensors configured")
	}
	for _, p := range sensors {
		tracker.AddSensor(p.sensor.Name(), p.sensor.Pin(), p.sensor.Mode(), p.interval, p.digits)
	}

	// Initialize MQTT
	publisher := mqtt.NewRealPublisher(mqtt.Options{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         byte(cfg.MQTT.QoS),
		Retain:      cfg.MQTT.Retain,
	})
	if err := publisher.Connect(10 * time.Second); err != nil {
		if !errors.Is(err, mqtt.ErrConnectTimeout) {
			return fmt.Errorf("init mqtt: %w", err)
		}
		log.Printf("mqtt: %s not reachable yet, buffering until connected", cfg.MQTT.Broker)
	}
	defer publisher.Close()
	syncMQTT(tracker, publisher)

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if addr := cfg.HTTPAddr(); addr != "" {
		srv := web.New(addr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", addr)
	}

	tickEvery := baseTick(sensors)
	log.Printf("started: run=%s sensors=%d pins=%d tick=%v broker=%s heartbeat=%v",
		runID, len(sensors), registry.Pins(), tickEvery, cfg.MQTT.Broker, cfg.HeartbeatInterval())

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(sensors, publisher, publisher, tracker, cfg.HeartbeatInterval(), time.Now, ticker.C, sigCh)
}

// buildSensors binds every configured sensor to reg and starts watching each
// distinct pin once. Pins are registered before their line is watched, so no
// edge can reach an unregistered pin. Sensors that fail validation are
// returned in rejected and skipped; a pin that cannot be watched is fatal.
func buildSensors(cfg *config.Config, reg *pulse.Registry, watcher gpio.Watcher) (sensors []*polled, rejected []error, err error) {
	handler := pulse.NewEdgeHandler(reg)
	watched := make(map[pulse.PinID]bool)

	for _, sc := range cfg.Sensors {
		s, err := pulse.NewSensor(reg, sc.Name, sc.PinID(), string(sc.Mode))
		if err != nil {
			rejected = append(rejected, err)
			continue
		}

		if !watched[s.Pin()] {
			onEdge := func(pin int) { handler.HandleEdge(pulse.PinID(pin)) }
			if err := watcher.Watch(int(s.Pin()), sc.Watch, onEdge); err != nil {
				return nil, nil, fmt.Errorf("watch pin %d for %s: %w", s.Pin(), s.Name(), err)
			}
			watched[s.Pin()] = true
			log.Printf("gpio: watching pin %d (edge=%s bias=%s)", s.Pin(), sc.Watch.Edge, sc.Watch.Bias)
		}

		sensors = append(sensors, &polled{
			sensor:   s,
			interval: sc.Interval.Duration(),
			digits:   sc.Precision(),
		})
	}
	return sensors, rejected, nil
}

// baseTick is the largest tick that lands on every sensor's interval.
func baseTick(sensors []*polled) time.Duration {
	var g time.Duration
	for _, p := range sensors {
		g = gcd(g, p.interval)
	}
	if g <= 0 {
		return config.DefaultInterval
	}
	return g
}

func gcd(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// syncMQTT copies the broker connection state into the tracker.
func syncMQTT(tracker *status.Tracker, conn mqtt.ConnectionStatus) {
	if tracker == nil || conn == nil {
		return
	}
	tracker.SetMQTTConnected(conn.IsConnected())
	tracker.SetMQTTBuffered(conn.Buffered())
}

func runLoop(sensors []*polled, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	lastHeartbeat := now()
	slack := baseTick(sensors) / 2

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				syncMQTT(tracker, mqttStatus)
				event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-tick:
			t := now()
			for _, p := range sensors {
				if !p.due(t, slack) {
					continue
				}
				p.advance(t)

				reading := mqtt.Reading{
					Sensor:    p.sensor.Name(),
					Pin:       p.sensor.Pin(),
					Value:     p.sensor.ReadAt(t),
					Digits:    p.digits,
					Timestamp: t,
				}
				if tracker != nil {
					tracker.Record(reading.Sensor, reading.Value, t)
				}
				if err := publisher.Publish(reading); err != nil {
					log.Printf("publish %s: %v", reading.Sensor, err)
					// Don't crash on publish failure
				}
			}

			syncMQTT(tracker, mqttStatus)

			if heartbeat <= 0 || t.Sub(lastHeartbeat) < heartbeat {
				continue
			}
			lastHeartbeat = t
			hbEvent := mqtt.SystemEvent{
				Timestamp: t,
				Event:     "HEARTBEAT",
			}
			if tracker != nil {
				snap := tracker.Snapshot()
				log.Printf("heartbeat: uptime=%v sensors=%d", snap.Uptime().Truncate(time.Second), len(snap.Sensors))
				hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
			}
			if err := publisher.PublishSystem(hbEvent); err != nil {
				log.Printf("heartbeat publish error: %v", err)
			}
		}
	}
}
