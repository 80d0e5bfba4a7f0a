package notify

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig addresses the ward alarm broker.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTChannel publishes alerts to a broker topic that ward displays
// subscribe to.
type MQTTChannel struct {
	client mqttPublisher
	conn   mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTChannel connects to the broker. The paho client reconnects on its own.
func NewMQTTChannel(cfg MQTTConfig) (*MQTTChannel, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt topic must be set")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	qos := cfg.QoS
	if qos == 0 {
		qos = 1
	}
	return &MQTTChannel{client: client, conn: client, topic: cfg.Topic, qos: qos}, nil
}

func (m *MQTTChannel) Name() string { return "mqtt" }

func (m *MQTTChannel) Send(ctx context.Context, msg Message) error {
	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte(msg.Subject + "\n" + msg.Body)
	}
	token := m.client.Publish(m.topic, m.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to topic %s: %w", m.topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", m.topic, err)
	}
	return nil
}

// Close disconnects, waiting 250ms for in-flight work.
func (m *MQTTChannel) Close() {
	if m.conn != nil {
		m.conn.Disconnect(250)
	}
}
