// Package publish forwards decoded records and control events to an MQTT
// broker as JSON.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/monitoring"
)

// Publisher sends one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "serial-sensors"

// Sink publishes each record to <prefix>/<stream stem> and each event to
// <prefix>/events.
type Sink struct {
	pub    Publisher
	prefix string

	mu        sync.Mutex
	published uint64
}

// NewSink returns a sink publishing through pub.
func NewSink(pub Publisher, prefix string) *Sink {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Sink{pub: pub, prefix: prefix}
}

// Accepts is the delivery mask the sink should be registered with.
func (s *Sink) Accepts() dispatch.Accepts {
	return dispatch.AcceptRecords | dispatch.AcceptEvents
}

// Topic returns the topic a delivery is published on, or "" for deliveries
// the sink ignores.
func (s *Sink) Topic(d dispatch.Delivery) string {
	switch {
	case d.Record != nil:
		return s.prefix + "/" + d.Record.Stem()
	case d.Event != nil:
		return s.prefix + "/events"
	}
	return ""
}

// Accept publishes a record or event.
func (s *Sink) Accept(ctx context.Context, d dispatch.Delivery) error {
	topic := s.Topic(d)
	if topic == "" {
		return nil
	}

	var (
		payload []byte
		err     error
	)
	if d.Record != nil {
		payload, err = json.Marshal(d.Record)
	} else {
		payload, err = json.Marshal(d.Event)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if err := s.pub.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	s.mu.Lock()
	s.published++
	s.mu.Unlock()
	return nil
}

// Published returns the number of messages sent.
func (s *Sink) Published() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Close disconnects the publisher.
func (s *Sink) Close() error { return s.pub.Close() }

// BrokerOptions configures the MQTT connection.
type BrokerOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
}

// ErrPublishTimeout is returned when the broker does not acknowledge a
// message within BrokerOptions.Timeout.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTPublisher is a Publisher backed by a paho client.
type MQTTPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

// Connect dials the broker and returns a connected publisher.
func Connect(opts BrokerOptions) (*MQTTPublisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", opts.QoS)
	}
	if opts.ClientID == "" {
		opts.ClientID = "serial-sensors"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.Timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			monitoring.Warnf("mqtt connection lost: %v", err)
		})
	if opts.Username != "" {
		co.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	client := mqtt.NewClient(co)
	if token := client.Connect(); !token.WaitTimeout(opts.Timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect %s: %w", opts.Broker, ErrPublishTimeout)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.Broker, err)
	}
	monitoring.Logf("connected to mqtt broker %s as %s", opts.Broker, opts.ClientID)
	return &MQTTPublisher{client: client, qos: opts.QoS, timeout: opts.Timeout}, nil
}

// Publish sends payload and waits for the broker according to the QoS.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, allowing in-flight messages a short grace period.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
