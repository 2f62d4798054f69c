// Package mqtt bridges monitor events onto an MQTT broker.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// PublisherConfig contains MQTT bridge configuration
type PublisherConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	KeepAlive      time.Duration
	CleanSession   bool
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
}

// client is the part of paho.Client the bridge uses.
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
}

// Publisher forwards every event to <prefix>/<event type>. Connection status
// messages are retained so late subscribers see the current state.
type Publisher struct {
	config PublisherConfig
	client client
	logger zerolog.Logger

	isConnected atomic.Bool

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates an MQTT bridge. Call Connect before publishing.
func NewPublisher(config PublisherConfig, logger zerolog.Logger) *Publisher {
	applyDefaults(&config)

	p := &Publisher{
		config: config,
		logger: logging.WithComponent(logger, "mqtt-bridge"),
	}

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetKeepAlive(config.KeepAlive).
		SetCleanSession(config.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.ReconnectDelay).
		SetConnectionLostHandler(p.onConnectionLost).
		SetOnConnectHandler(p.onConnect)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	p.client = paho.NewClient(opts)
	return p
}

func applyDefaults(config *PublisherConfig) {
	if config.ClientID == "" {
		config.ClientID = "opcuagua"
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "opcuagua"
	}
	config.TopicPrefix = strings.TrimSuffix(config.TopicPrefix, "/")
	if config.KeepAlive <= 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}
}

// Connect establishes the broker connection.
func (p *Publisher) Connect(ctx context.Context) error {
	p.logger.Info().
		Str("broker", p.config.BrokerURL).
		Str("client_id", p.config.ClientID).
		Msg("Connecting to MQTT broker")

	timeout := p.config.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout after %s", timeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("mqtt connection failed: %w", token.Error())
	}
	return nil
}

// Topic returns the topic used for events of type t.
func (p *Publisher) Topic(t domain.EventType) string {
	return p.config.TopicPrefix + "/" + string(t)
}

// Publish sends event without waiting for the broker. While disconnected
// events are dropped and counted.
func (p *Publisher) Publish(event domain.Event) error {
	if !p.IsConnected() {
		p.dropped.Add(1)
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType(), err)
	}

	retained := event.EventType() == domain.EventConnectionStatus
	token := p.client.Publish(p.Topic(event.EventType()), p.config.QoS, retained, payload)
	p.published.Add(1)

	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			p.failed.Add(1)
			p.logger.Warn().Err(err).Str("event", string(event.EventType())).Msg("MQTT publish failed")
		}
	}()
	return nil
}

// Disconnect cleanly disconnects from the broker.
func (p *Publisher) Disconnect() {
	p.client.Disconnect(250)
	p.isConnected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// IsConnected returns current connection status.
func (p *Publisher) IsConnected() bool {
	return p.isConnected.Load() && p.client.IsConnected()
}

// Stats returns bridge statistics.
func (p *Publisher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected":    p.IsConnected(),
		"broker":       p.config.BrokerURL,
		"topic_prefix": p.config.TopicPrefix,
		"published":    p.published.Load(),
		"dropped":      p.dropped.Load(),
		"failed":       p.failed.Load(),
	}
}

func (p *Publisher) onConnect(_ paho.Client) {
	p.isConnected.Store(true)
	p.logger.Info().Msg("Connected to MQTT broker")
}

func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	p.isConnected.Store(false)
	p.logger.Warn().Err(err).Msg("Connection lost to MQTT broker")
}
