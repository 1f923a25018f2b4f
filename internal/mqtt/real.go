package mqtt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// bufferCapacity bounds the messages kept while the broker is unreachable.
const bufferCapacity = 500

// ErrConnectTimeout is returned by Connect when the broker did not answer in
// time. The client keeps retrying in the background and publishes are
// buffered meanwhile.
var ErrConnectTimeout = errors.New("mqtt: connect timeout")

// Options configures a RealPublisher.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Retain      bool // retain sensor value messages
}

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
	opts   Options

	mu     sync.Mutex
	buf    *ringBuffer
	online bool // set once onConnect has drained buf; cleared on connection loss
}

// NewRealPublisher creates a publisher for the given broker. Call Connect to
// start the connection.
func NewRealPublisher(o Options) *RealPublisher {
	p := &RealPublisher{
		opts: o,
		buf:  newRingBuffer(bufferCapacity),
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(StatusTopic(o.TopicPrefix), PayloadOffline, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	return p
}

// Connect starts connecting and waits up to timeout for the first connection.
func (p *RealPublisher) Connect(timeout time.Duration) error {
	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		return ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// onConnect announces availability and replays anything buffered while
// disconnected. paho calls it on its own goroutine after every (re)connect.
// The replay and the switch to direct publishing happen under one lock, so a
// message published meanwhile is either replayed or sent after the replay.
func (p *RealPublisher) onConnect(c paho.Client) {
	log.Printf("mqtt: connected to %s", p.opts.Broker)
	c.Publish(StatusTopic(p.opts.TopicPrefix), 1, true, PayloadOnline)

	p.mu.Lock()
	defer p.mu.Unlock()
	msgs, dropped := p.buf.drain()
	if dropped > 0 {
		log.Printf("mqtt: buffer overflowed while disconnected, %d messages dropped", dropped)
	}
	if len(msgs) > 0 {
		log.Printf("mqtt: replaying %d buffered messages", len(msgs))
	}
	for _, m := range msgs {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}
	p.online = true
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	log.Printf("mqtt: connection lost: %v", err)
	p.mu.Lock()
	p.online = false
	p.mu.Unlock()
}

// Publish sends a reading: the bare value and the JSON form.
func (p *RealPublisher) Publish(r Reading) error {
	payload, err := FormatPayload(r)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var errs []error
	if err := p.publish(SensorTopic(p.opts.TopicPrefix, r.Sensor), p.opts.QoS, p.opts.Retain, r.Text()); err != nil {
		errs = append(errs, err)
	}
	if err := p.publish(SensorJSONTopic(p.opts.TopicPrefix, r.Sensor), p.opts.QoS, p.opts.Retain, payload); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events
	return p.publish(SystemTopic(p.opts.TopicPrefix), 1, event.Retained, payload)
}

// publish sends one message, or buffers it while the connection is down.
func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	if !p.online || !p.client.IsConnectionOpen() {
		p.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is currently up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close marks the daemon offline and disconnects from the broker.
// A clean disconnect suppresses the Last Will, so offline is sent explicitly.
func (p *RealPublisher) Close() error {
	if p.client.IsConnectionOpen() {
		token := p.client.Publish(StatusTopic(p.opts.TopicPrefix), 1, true, PayloadOffline)
		token.WaitTimeout(2 * time.Second)
	}
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
