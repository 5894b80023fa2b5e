// Package mqtt provides the broker client and the topic/message
// conventions for skyrelay's optional event bus.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Config holds the broker connection settings the bus needs.
type Config struct {
	// BrokerURL is the MQTT broker URL (e.g., "tcp://localhost:1883")
	BrokerURL string
	// ClientID uniquely identifies this process to the broker
	ClientID string
	// Username and Password are optional broker credentials
	Username string
	Password string
	// KeepAlive is the MQTT keep-alive interval
	KeepAlive time.Duration
	// ConnectTimeout bounds the initial dial
	ConnectTimeout time.Duration
	// AutoReconnect re-dials a lost broker connection
	AutoReconnect bool
	// MaxReconnectInterval caps the reconnection backoff
	MaxReconnectInterval time.Duration
}

// Client is a publish-side wrapper over paho scoped to what the
// skyrelay bus does: connect once, publish Message envelopes onto the
// skyrelay topic tree, disconnect on shutdown. Subscribing is left to
// the external consumers of those topics.
type Client struct {
	paho   mqtt.Client
	cfg    *Config
	logger *zap.Logger
}

// NewClient prepares a client for the given broker. No connection is
// attempted until Connect.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt: config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "mqtt"), zap.String("broker", cfg.BrokerURL))

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(cfg.AutoReconnect).
		SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("broker connected")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info("broker reconnecting")
	})

	return &Client{paho: mqtt.NewClient(opts), cfg: cfg, logger: logger}, nil
}

// Connect dials the broker, waiting up to the configured timeout.
func (c *Client) Connect() error {
	token := c.paho.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt: connect timeout after %v", c.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	return nil
}

// Disconnect closes the broker connection after a short grace period
// for in-flight publishes.
func (c *Client) Disconnect() {
	c.paho.Disconnect(250)
}

// IsConnected reports whether the broker connection is live.
func (c *Client) IsConnected() bool {
	return c.paho.IsConnected()
}

// Publish sends raw bytes to topic.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt: not connected")
	}
	token := c.paho.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	c.logger.Debug("published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

// PublishEnvelope wraps payload in the skyrelay Message envelope and
// publishes it at QoS 0, the bus's fire-and-forget delivery level.
// Every record the bus emits — PHD2 events, task history entries,
// health reports — goes through this path.
func (c *Client) PublishEnvelope(topic string, msgType MessageType, source string, payload any) error {
	msg, err := NewMessage(msgType, source, payload)
	if err != nil {
		return fmt.Errorf("mqtt: envelope: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqtt: envelope: %w", err)
	}
	return c.Publish(topic, 0, false, data)
}
