package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT notifier.
type MQTTConfig struct {
	Broker   string // host:port
	ClientID string
	// Topic is the prefix; events for stream id go to {Topic}/{id}.
	Topic    string
	QoS      byte
	Retained bool
	Encoding string
}

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

var errNotConnected = errors.New("mqtt not connected")

// publisher is the part of mqtt.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes lifecycle events to an MQTT broker.
type MQTT struct {
	cfg    MQTTConfig
	log    *slog.Logger
	client publisher

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTT creates an unconnected MQTT notifier.
func NewMQTT(cfg MQTTConfig, log *slog.Logger) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("notify: mqtt broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "livefeed/sessions"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "livefeed"
	}
	if _, err := Encode(Event{}, cfg.Encoding); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{cfg: cfg, log: log.With("component", "notify", "broker", cfg.Broker)}, nil
}

// Connect establishes the broker connection. The client reconnects on its
// own afterwards.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.log.Info("mqtt connection established", "client_id", m.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.log.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	client := mqtt.NewClient(opts)
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.log.Info("connecting to mqtt broker")
	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(mqttConnectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	m.setConnected(true)
	return nil
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// Notify publishes ev to {Topic}/{ev.Stream}. Failures are logged and
// counted, never returned.
func (m *MQTT) Notify(ev Event) {
	if err := m.publish(ev); err != nil {
		m.mu.Lock()
		m.errors++
		m.mu.Unlock()
		m.log.Warn("lifecycle event not published", "type", ev.Type, "stream", ev.Stream, "error", err)
	}
}

func (m *MQTT) publish(ev Event) error {
	m.mu.RLock()
	client, connected := m.client, m.connected
	m.mu.RUnlock()
	if client == nil || !connected {
		return errNotConnected
	}

	payload, err := Encode(ev, m.cfg.Encoding)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", m.cfg.Topic, ev.Stream)
	token := client.Publish(topic, m.cfg.QoS, m.cfg.Retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	m.mu.Lock()
	m.published++
	m.mu.Unlock()
	m.log.Debug("lifecycle event published", "topic", topic, "type", ev.Type, "size", len(payload))
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.mu.Lock()
	client := m.client
	m.connected = false
	m.mu.Unlock()
	if client != nil {
		client.Disconnect(250) // 250ms grace period
		m.log.Info("mqtt disconnected")
	}
}

// Stats contains notifier statistics.
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// Stats returns notifier statistics.
func (m *MQTT) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Connected: m.connected, Published: m.published, Errors: m.errors}
}
