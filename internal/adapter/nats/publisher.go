// Package nats bridges monitor events onto NATS subjects.
package nats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// PublisherConfig contains NATS bridge configuration.
type PublisherConfig struct {
	Servers       string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
}

// conn is the part of *nats.Conn the bridge uses.
type conn interface {
	Publish(subj string, data []byte) error
	IsConnected() bool
	Drain() error
}

// Publisher forwards every event to <prefix>.<event type>.
type Publisher struct {
	config PublisherConfig
	nc     conn
	logger zerolog.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Connect dials the NATS servers. Reconnection after the first connect is
// handled by the client, without limit.
func Connect(config PublisherConfig, logger zerolog.Logger) (*Publisher, error) {
	applyDefaults(&config)
	log := logging.WithComponent(logger, "nats-bridge")

	nc, err := nats.Connect(config.Servers,
		nats.Name(config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("server", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.Servers, err)
	}

	log.Info().
		Str("servers", config.Servers).
		Str("subject_prefix", config.SubjectPrefix).
		Msg("Connected to NATS")

	return newPublisher(config, nc, log), nil
}

func newPublisher(config PublisherConfig, nc conn, logger zerolog.Logger) *Publisher {
	applyDefaults(&config)
	return &Publisher{config: config, nc: nc, logger: logger}
}

func applyDefaults(config *PublisherConfig) {
	if config.Servers == "" {
		config.Servers = nats.DefaultURL
	}
	if config.Name == "" {
		config.Name = "opcuagua"
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "opcuagua"
	}
	config.SubjectPrefix = strings.TrimSuffix(config.SubjectPrefix, ".")
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 5 * time.Second
	}
}

// Subject returns the subject used for events of type t.
func (p *Publisher) Subject(t domain.EventType) string {
	return p.config.SubjectPrefix + "." + string(t)
}

// Publish sends event. The client buffers while reconnecting; events
// published while it is closed are dropped and counted.
func (p *Publisher) Publish(event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType(), err)
	}

	if err := p.nc.Publish(p.Subject(event.EventType()), payload); err != nil {
		p.dropped.Add(1)
		return fmt.Errorf("nats publish %s: %w", event.EventType(), err)
	}
	p.published.Add(1)
	return nil
}

// IsConnected reports whether the client is connected.
func (p *Publisher) IsConnected() bool {
	return p.nc.IsConnected()
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("NATS drain failed")
	}
	p.logger.Info().
		Uint64("published", p.published.Load()).
		Uint64("dropped", p.dropped.Load()).
		Msg("NATS bridge closed")
}

// Stats returns bridge statistics.
func (p *Publisher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected":      p.IsConnected(),
		"subject_prefix": p.config.SubjectPrefix,
		"published":      p.published.Load(),
		"dropped":        p.dropped.Load(),
	}
}
