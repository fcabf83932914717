// Package mirror republishes an engine's state on NATS so other processes can
// watch a client without talking to it.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/goe/go/internal/estimate/engine"
)

// Config holds configuration for the NATS mirror
type Config struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default mirror configuration
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Subject:       "goe.clients",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Publisher is satisfied by *nats.Conn
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnects and logging handlers installed
func Connect(config Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("goe-client"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Mirror publishes every state it receives
type Mirror struct {
	pub     Publisher
	subject string

	published uint64
	failed    uint64
}

// New creates a mirror for one engine instance
func New(pub Publisher, baseSubject, instance string) *Mirror {
	return &Mirror{
		pub:     pub,
		subject: Subject(baseSubject, instance),
	}
}

// Subject returns the subject states of instance are published on
func Subject(baseSubject, instance string) string {
	return fmt.Sprintf("%s.%s.state", baseSubject, instance)
}

// Run publishes states until ctx is done or the channel is closed
func (m *Mirror) Run(ctx context.Context, states <-chan engine.State) error {
	log.Info().Str("subject", m.subject).Msg("mirroring state to NATS")

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			m.publish(st)
		}
	}
}

func (m *Mirror) publish(st engine.State) {
	data, err := json.Marshal(st)
	if err != nil {
		m.failed++
		log.Error().Err(err).Msg("failed to marshal state")
		return
	}

	if err := m.pub.Publish(m.subject, data); err != nil {
		m.failed++
		log.Warn().
			Err(err).
			Str("subject", m.subject).
			Uint64("version", st.Version).
			Msg("failed to publish state")
		return
	}
	m.published++
}

// Stats returns the number of published and failed states. Only meaningful
// once Run has returned.
func (m *Mirror) Stats() (published, failed uint64) {
	return m.published, m.failed
}
