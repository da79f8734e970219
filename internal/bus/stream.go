package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamLogs is the durable stream capturing every log envelope.
	StreamLogs = "MERISTEM_LOGS"
	// SubjectLogs is the wildcard subject hierarchy the stream captures.
	SubjectLogs = "meristem.v1.logs.>"

	logMaxAge          = 7 * 24 * time.Hour
	logDuplicateWindow = 120 * time.Second
	logMaxMsgSize      = 1 << 20
)

// ProvisionLogStream idempotently creates the MERISTEM_LOGS stream. When the
// account's storage limit is lower than the configured max_bytes, the stream
// is clamped to 80% of available storage divided by the replica count.
func (c *Client) ProvisionLogStream(replicas int, maxBytes int64) error {
	if replicas < 1 {
		replicas = 1
	}

	if _, err := c.JS.StreamInfo(StreamLogs); err == nil {
		c.log.Info("NATS stream exists", zap.String("stream", StreamLogs))
		return nil
	} else if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	if clamped, ok := c.clampToAccountStorage(maxBytes, replicas); ok {
		c.log.Warn("log stream max_bytes clamped to account storage",
			zap.Int64("configured", maxBytes),
			zap.Int64("clamped", clamped))
		maxBytes = clamped
	}

	cfg := &nats.StreamConfig{
		Name:       StreamLogs,
		Subjects:   []string{SubjectLogs},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Discard:    nats.DiscardOld,
		MaxAge:     logMaxAge,
		MaxBytes:   maxBytes,
		MaxMsgSize: logMaxMsgSize,
		Duplicates: logDuplicateWindow,
		Replicas:   replicas,
	}
	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.log.Info("NATS stream provisioned",
		zap.String("stream", StreamLogs),
		zap.Int("replicas", replicas),
		zap.Int64("max_bytes", maxBytes))
	return nil
}

// clampToAccountStorage returns the clamped byte ceiling when the account's
// storage limit cannot hold the configured size across all replicas.
func (c *Client) clampToAccountStorage(maxBytes int64, replicas int) (int64, bool) {
	info, err := c.JS.AccountInfo()
	if err != nil || info.Limits.MaxStore <= 0 {
		return 0, false
	}
	available := info.Limits.MaxStore * 8 / 10 / int64(replicas)
	if maxBytes <= 0 || maxBytes > available {
		return available, true
	}
	return 0, false
}
