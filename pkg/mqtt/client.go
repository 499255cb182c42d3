// Package mqtt publishes location changes and a status heartbeat to a broker
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/geolocd/pkg/locate"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// ErrNotConnected is returned when publishing without a broker connection
var ErrNotConnected = errors.New("not connected to MQTT broker")

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port" validate:"min=1,max=65535"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos" validate:"min=0,max=2"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
	// MaxPerSecond bounds location publishes; excess changes are dropped
	MaxPerSecond int `json:"max_per_second"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:       "localhost",
		Port:         1883,
		ClientID:     "geolocd",
		TopicPrefix:  "geolocd",
		QoS:          1,
		Retain:       true,
		MaxPerSecond: 5,
	}
}

// publisher is the part of the paho client used for publishing
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	IsConnected() bool
}

// Client publishes to the broker
type Client struct {
	logger  *logx.Logger
	config  *Config
	limiter *RateLimiter

	mu          sync.Mutex
	client      publisher
	paho        MQTT.Client
	connected   bool
	lastPublish time.Time
	published   uint64
}

// NewClient creates a client. Connect must be called before publishing.
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config.MaxPerSecond <= 0 {
		config.MaxPerSecond = 5
	}
	return &Client{
		logger:  logger,
		config:  config,
		limiter: NewRateLimiter(config.MaxPerSecond, time.Second),
	}
}

// Connect establishes connection to the broker. Reconnects are automatic.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetWill(c.topic("status"), `{"online":false}`, byte(c.config.QoS), true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	client := MQTT.NewClient(opts)
	c.mu.Lock()
	c.paho = client
	c.client = client
	c.mu.Unlock()

	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	c.logger.Info("MQTT client connecting", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from the broker
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paho != nil {
		c.paho.Disconnect(250)
		c.logger.Info("MQTT client disconnected")
	}
	c.connected = false
}

func (c *Client) onConnect(MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(_ MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Warn("MQTT connection lost", "error", err)
}

func (c *Client) topic(name string) string {
	return fmt.Sprintf("%s/%s", c.config.TopicPrefix, name)
}

// Name identifies the client as a publish sink
func (c *Client) Name() string {
	return "mqtt"
}

// Publish sends a location change to <prefix>/location
func (c *Client) Publish(ctx context.Context, ev locate.Event) error {
	if !c.config.Enabled {
		return nil
	}
	if !c.limiter.Allow() {
		c.logger.Debug("MQTT rate limit reached, dropping location")
		return nil
	}
	payload := map[string]interface{}{
		"accuracy_level": ev.Level.String(),
		"latitude":       ev.Location.Latitude,
		"longitude":      ev.Location.Longitude,
		"accuracy":       ev.Location.Accuracy,
		"timestamp":      ev.Location.Timestamp.Unix(),
		"source":         ev.Location.Description,
	}
	if ev.Location.Altitude != nil {
		payload["altitude"] = *ev.Location.Altitude
	}
	if ev.Location.Speed != nil {
		payload["speed"] = *ev.Location.Speed
	}
	if ev.Location.Heading != nil {
		payload["heading"] = *ev.Location.Heading
	}
	return c.publishJSON(c.topic("location"), payload)
}

// PublishStatus publishes the heartbeat to <prefix>/status
func (c *Client) PublishStatus(status map[string]interface{}) error {
	if !c.config.Enabled {
		return nil
	}
	payload := map[string]interface{}{
		"online":    true,
		"timestamp": time.Now().Unix(),
	}
	for k, v := range status {
		payload[k] = v
	}
	return c.publishJSON(c.topic("status"), payload)
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	c.mu.Lock()
	client, connected := c.client, c.connected
	c.mu.Unlock()
	if client == nil || !connected {
		return ErrNotConnected
	}

	token := client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.published++
	c.mu.Unlock()
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// LastPublish returns the time of the last successful publish
func (c *Client) LastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}

// RateLimiter allows a fixed number of events per window
type RateLimiter struct {
	mu           sync.Mutex
	now          func() time.Time
	windowStart  time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
}

// NewRateLimiter creates a limiter allowing max events per window
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{maxMessages: max, windowSize: window, now: time.Now}
}

// Allow reports whether another event fits in the current window
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.windowStart) >= rl.windowSize {
		rl.messageCount = 0
		rl.windowStart = now
	}
	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}
	return false
}
