// Package events publishes session lifecycle events over NATS so that
// collaborators outside the pairing server (history, analytics, auditing)
// can observe sessions without being in the matching path.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultConfig returns local defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "pairing",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps a NATS connection and tracks subscriptions for cleanup.
type Client struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS. It fails if the initial connection fails; later
// disconnects are retried by the NATS client.
func Connect(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Str("module", "nats").Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "nats").Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Str("module", "nats").Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}
	log.Info().Str("module", "nats").Str("url", nc.ConnectedUrl()).Msg("connected")
	return &Client{conn: nc}, nil
}

// Publish sends data to subject. It does not wait for the server.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers handler for subject, which may contain wildcards.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("events: subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close drains all subscriptions and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Str("module", "nats").Str("subject", sub.Subject).Err(err).Msg("drain failed")
		}
	}
	if err := c.conn.Drain(); err != nil {
		log.Warn().Str("module", "nats").Err(err).Msg("connection drain failed")
	}
}
