// Package consume implements the per-area consume loop and the retry/DLQ
// escalation it drives, adapted from the teacher's Kafka poll loop
// (internal/shared/kafka.Consumer in the teacher repo): a context-scoped
// goroutine, panic recovery around per-message processing, and atomic
// counters, retargeted from "poll Kafka, broadcast to websockets" to
// "consume AMQP, dispatch to a use case, ack/retry/nack."
package consume

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/plantops/telemetry-backbone/internal/area"
	"github.com/plantops/telemetry-backbone/internal/broker/conn"
	"github.com/plantops/telemetry-backbone/internal/broker/envelope"
	"github.com/plantops/telemetry-backbone/internal/domainerr"
	"github.com/plantops/telemetry-backbone/internal/obs"
)

const retryHeader = "x-retry"

// Config configures a Worker.
type Config struct {
	Stream      string // "telemetry" or "alerts" — used only for logging/metrics
	Area        area.Area
	Routing     area.Routing
	MaxRetries  int
	Prefetch    int
}

// Worker consumes one area's queue for one stream and dispatches decoded
// envelopes to a registry of handlers.
type Worker struct {
	cfg        Config
	supervisor *conn.Supervisor
	registry   *envelope.Registry
	logger     zerolog.Logger

	wg sync.WaitGroup

	processed int64
	failed    int64
	retried   int64
	dlqed     int64
}

// New builds a Worker. registry must have handlers registered for every
// (type, version) this stream's producers emit.
func New(cfg Config, supervisor *conn.Supervisor, registry *envelope.Registry, logger zerolog.Logger) *Worker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Worker{
		cfg:        cfg,
		supervisor: supervisor,
		registry:   registry,
		logger:     logger.With().Str("stream", cfg.Stream).Str("area", cfg.Area.Slug).Logger(),
	}
}

// Start begins consuming in a background goroutine. Call Stop (or cancel
// ctx) to drain and exit.
func (w *Worker) Start(ctx context.Context) error {
	channel, err := w.supervisor.Channel(ctx)
	if err != nil {
		return fmt.Errorf("acquire channel: %w", err)
	}

	deliveries, err := channel.Consume(
		w.cfg.Routing.Queue,
		fmt.Sprintf("%s-%s", w.cfg.Stream, w.cfg.Area.Slug),
		false, // manual ack
		false, false, false, nil,
	)
	if err != nil {
		return fmt.Errorf("consume queue %q: %w", w.cfg.Routing.Queue, err)
	}

	w.wg.Add(1)
	go w.loop(ctx, deliveries)
	return nil
}

// Stop waits for the consume loop to exit.
func (w *Worker) Stop() {
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()
	defer obs.RecoverPanic(w.logger, "consume.loop", map[string]any{"queue": w.cfg.Routing.Queue})

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.handleDelivery(ctx, d)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			obs.RecordError(string(domainerr.Unknown), false)
			w.logger.Error().Interface("panic_value", r).Msg("panic handling delivery, nacking without requeue")
			_ = d.Nack(false, false)
			atomic.AddInt64(&w.dlqed, 1)
		}
	}()

	// Step 1: decode. A malformed payload is never retried — it would
	// recycle forever through the retry queue otherwise.
	env, err := envelope.Decode(d.Body)
	if err != nil {
		w.logger.Warn().Err(err).Msg("undecodable message, acking and discarding")
		_ = d.Ack(false)
		atomic.AddInt64(&w.failed, 1)
		obs.MessagesConsumedTotal.WithLabelValues(w.cfg.Stream, w.cfg.Area.Slug, "discard_undecodable").Inc()
		return
	}

	// Step 2: dispatch by (type, version).
	handler, ok := w.registry.Lookup(env)
	if !ok {
		w.logger.Warn().Str("type", env.Type).Int("version", env.Version).Msg("no handler for envelope, acking and discarding")
		_ = d.Ack(false)
		atomic.AddInt64(&w.failed, 1)
		obs.MessagesConsumedTotal.WithLabelValues(w.cfg.Stream, w.cfg.Area.Slug, "discard_unknown_type").Inc()
		return
	}

	err = handler.Handle(env.Payload)
	if err == nil {
		_ = d.Ack(false)
		atomic.AddInt64(&w.processed, 1)
		obs.MessagesConsumedTotal.WithLabelValues(w.cfg.Stream, w.cfg.Area.Slug, "ack").Inc()
		return
	}

	de, isDomain := domainerr.As(err)
	if isDomain && !de.Retryable {
		w.logger.Info().Err(de).Msg("fatal validation error, acking and discarding")
		_ = d.Ack(false)
		atomic.AddInt64(&w.failed, 1)
		obs.MessagesConsumedTotal.WithLabelValues(w.cfg.Stream, w.cfg.Area.Slug, "discard_validation").Inc()
		obs.RecordError(string(de.Kind), false)
		return
	}

	retryCount := currentRetryCount(d)
	if retryCount < w.cfg.MaxRetries {
		w.republishToRetry(ctx, d, retryCount)
		return
	}

	w.logger.Warn().Int("x_retry", retryCount).Msg("retry budget exhausted, routing to dlq")
	_ = d.Nack(false, false)
	atomic.AddInt64(&w.dlqed, 1)
	obs.MessagesConsumedTotal.WithLabelValues(w.cfg.Stream, w.cfg.Area.Slug, "dlq").Inc()
}

func currentRetryCount(d amqp.Delivery) int {
	if v, ok := d.Headers[retryHeader]; ok {
		switch n := v.(type) {
		case int32:
			return int(n)
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

func (w *Worker) republishToRetry(ctx context.Context, d amqp.Delivery, retryCount int) {
	nextRetry := retryCount + 1
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(nextRetry)

	channel, err := w.supervisor.Channel(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("could not acquire channel to republish to retry queue, nacking with requeue")
		_ = d.Nack(false, true)
		return
	}

	err = channel.PublishWithContext(ctx, "", w.cfg.Routing.RetryQueue, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("republish to retry queue failed, nacking with requeue")
		_ = d.Nack(false, true)
		return
	}

	_ = d.Ack(false)
	atomic.AddInt64(&w.retried, 1)
	obs.MessagesConsumedTotal.WithLabelValues(w.cfg.Stream, w.cfg.Area.Slug, "retry").Inc()
	obs.RetryHeaderValue.WithLabelValues(w.cfg.Area.Slug).Observe(float64(nextRetry))
}

// Stats reports the worker's lifetime counters for health/debug endpoints.
func (w *Worker) Stats() (processed, failed, retried, dlqed int64) {
	return atomic.LoadInt64(&w.processed),
		atomic.LoadInt64(&w.failed),
		atomic.LoadInt64(&w.retried),
		atomic.LoadInt64(&w.dlqed)
}
