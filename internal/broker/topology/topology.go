// Package topology declares the per-area broker graph both streams
// (telemetry and alerts) rely on: one durable topic exchange per stream
// (the two streams do not share an exchange), main/retry/DLQ queues per
// area, and a per-area, per-stream DLX that routes fatally-nacked messages
// to that stream's DLQ. Declaration is idempotent — re-running it at every boot is the
// contract, not an optimization.
package topology

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/plantops/telemetry-backbone/internal/area"
)

// StreamConfig configures one stream's exchange and retry TTL.
type StreamConfig struct {
	ExchangeName string
	ExchangeType string // defaults to "topic"
	RetryTTLMs   int64
}

// Config is the full topology configuration for one boot.
type Config struct {
	Telemetry StreamConfig
	Alerts    StreamConfig
}

// Manager declares the broker topology against a live channel.
type Manager struct {
	channel *amqp.Channel
	logger  zerolog.Logger
	cfg     Config
}

// NewManager builds a Manager bound to channel.
func NewManager(channel *amqp.Channel, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Telemetry.ExchangeType == "" {
		cfg.Telemetry.ExchangeType = "topic"
	}
	if cfg.Alerts.ExchangeType == "" {
		cfg.Alerts.ExchangeType = "topic"
	}
	return &Manager{channel: channel, cfg: cfg, logger: logger}
}

// Declare declares the full topology for every configured area. Failures
// are fatal to boot per spec.md §4.2 — the caller should treat a non-nil
// error as a reason to abort startup, not retry in place.
func (m *Manager) Declare(ctx context.Context, router *area.Router) error {
	for _, stream := range []struct {
		name    string
		cfg     StreamConfig
		derive  func(site string) area.Routing
	}{
		{"telemetry", m.cfg.Telemetry, router.DeriveTelemetry},
		{"alerts", m.cfg.Alerts, router.DeriveAlerts},
	} {
		if err := m.channel.ExchangeDeclare(
			stream.cfg.ExchangeName, stream.cfg.ExchangeType,
			true, false, false, false, nil,
		); err != nil {
			return fmt.Errorf("declare %s exchange %q: %w", stream.name, stream.cfg.ExchangeName, err)
		}

		for _, a := range router.Areas() {
			rt := stream.derive(a.Site)
			if err := m.declareArea(stream.cfg, rt); err != nil {
				return fmt.Errorf("declare %s topology for area %q: %w", stream.name, a.Slug, err)
			}
			m.logger.Info().
				Str("stream", stream.name).
				Str("area", a.Slug).
				Str("queue", rt.Queue).
				Msg("broker topology declared")
		}
	}
	return nil
}

func (m *Manager) declareArea(stream StreamConfig, rt area.Routing) error {
	// DLX + DLQ: direct exchange, single binding on the dead-letter key.
	if err := m.channel.ExchangeDeclare(rt.DLXExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx %q: %w", rt.DLXExchange, err)
	}
	if _, err := m.channel.QueueDeclare(rt.DLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %q: %w", rt.DLQ, err)
	}
	if err := m.channel.QueueBind(rt.DLQ, rt.DLQRoutingKey, rt.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq %q: %w", rt.DLQ, err)
	}

	// Main queue: dead-letters into the area's DLX.
	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    rt.DLXExchange,
		"x-dead-letter-routing-key": rt.DLQRoutingKey,
	}
	if _, err := m.channel.QueueDeclare(rt.Queue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("declare queue %q: %w", rt.Queue, err)
	}
	if err := m.channel.QueueBind(rt.Queue, rt.BindingKey, stream.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %q to %q: %w", rt.Queue, rt.BindingKey, err)
	}
	if err := m.channel.QueueBind(rt.Queue, rt.RetryRoutingKey, stream.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %q to retry key %q: %w", rt.Queue, rt.RetryRoutingKey, err)
	}

	// Retry queue: TTL-bounded, dead-letters back into the main exchange on
	// the retry routing key so expired messages return to the main queue.
	ttl := stream.RetryTTLMs
	if ttl <= 0 {
		ttl = int64(30 * time.Second / time.Millisecond)
	}
	retryArgs := amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    stream.ExchangeName,
		"x-dead-letter-routing-key": rt.RetryRoutingKey,
	}
	if _, err := m.channel.QueueDeclare(rt.RetryQueue, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare retry queue %q: %w", rt.RetryQueue, err)
	}

	return nil
}
