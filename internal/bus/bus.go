// Package bus wraps the NATS connection shared by the log transport, the
// heartbeat ingest and the plugin event bridges.
package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Well-known subjects.
const (
	SubjectHeartbeats  = "meristem.v1.hb.>"
	SubjectPulse       = "meristem.v1.sys.pulse"
	SubjectNetworkMode = "meristem.v1.sys.network.mode"
)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	log  *zap.Logger
}

// Connect dials NATS with token auth and initialises a JetStream context.
// The connection retries forever; transient broker outages are absorbed by
// the client-side reconnect buffer.
func Connect(url, token string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Client{Conn: nc, JS: js, log: logger}, nil
}

// Publish sends one message. Satisfies the log transport's Publisher.
func (c *Client) Publish(subject string, data []byte) error {
	return c.Conn.Publish(subject, data)
}

// Subscribe creates a core NATS subscription and adapts it to the handler
// shape the event bridge and ingest loops consume. The returned function
// removes the subscription.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) (func() error, error) {
	sub, err := c.Conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// Close drains the connection so in-flight publishes and deliveries flush
// before the socket goes away.
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}
