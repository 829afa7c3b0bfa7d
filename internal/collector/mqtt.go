package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/proctor/internal/types"
)

// MQTTConfig configures the telemetry mirror
type MQTTConfig struct {
	Broker      string
	ClientID    string
	EventsTopic string
	StatusTopic string
	QoS         map[string]byte
}

// MQTTMirror publishes anomaly events and session status to an MQTT broker
type MQTTMirror struct {
	cfg    MQTTConfig
	Client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// MirrorStats contains mirror statistics
type MirrorStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewMQTTMirror creates a mirror; call Connect before publishing
func NewMQTTMirror(cfg MQTTConfig) *MQTTMirror {
	return &MQTTMirror{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with automatic reconnects
func (m *MQTTMirror) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	broker := m.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", m.cfg.Broker,
			"client_id", m.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", m.cfg.Broker,
		)
	}

	m.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", m.cfg.Broker)

	token := m.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
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

// PublishEvent mirrors one anomaly event
func (m *MQTTMirror) PublishEvent(ev types.AnomalyEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return m.Publish(m.cfg.EventsTopic, m.qos("events"), payload)
}

// PublishStatus publishes a retained session status document
func (m *MQTTMirror) PublishStatus(payload []byte) error {
	return m.Publish(m.cfg.StatusTopic, m.qos("status"), payload)
}

// Publish sends payload on topic
func (m *MQTTMirror) Publish(topic string, qos byte, payload []byte) error {
	if !m.isConnected() {
		m.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := m.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		m.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()

	slog.Debug("mqtt message published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// Subscribe registers fn for messages on topic
func (m *MQTTMirror) Subscribe(topic string, qos byte, fn func(payload []byte)) error {
	if m.Client == nil {
		return fmt.Errorf("mqtt not connected")
	}
	token := m.Client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription timeout")
	}
	return token.Error()
}

// Unsubscribe removes the subscription on topic
func (m *MQTTMirror) Unsubscribe(topic string) error {
	if m.Client == nil || !m.Client.IsConnected() {
		return nil
	}
	token := m.Client.Unsubscribe(topic)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("unsubscribe timeout")
	}
	return token.Error()
}

// Disconnect closes the broker connection
func (m *MQTTMirror) Disconnect() {
	if m.Client != nil && m.Client.IsConnected() {
		m.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	m.setConnected(false)
}

// Stats returns mirror statistics
func (m *MQTTMirror) Stats() MirrorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	published := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		published[k] = v
	}
	return MirrorStats{
		Connected: m.connected,
		Published: published,
		Errors:    m.errors,
	}
}

func (m *MQTTMirror) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTTMirror) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTTMirror) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

func (m *MQTTMirror) qos(kind string) byte {
	if qos, ok := m.cfg.QoS[kind]; ok {
		return qos
	}
	return 0
}
