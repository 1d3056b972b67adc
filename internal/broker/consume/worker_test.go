package consume

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/telemetry-backbone/internal/area"
	"github.com/plantops/telemetry-backbone/internal/broker/envelope"
	"github.com/plantops/telemetry-backbone/internal/domainerr"
)

// fakeAcknowledger records which of Ack/Nack/Reject was called so tests
// can assert on the consumer's ack/retry/dlq decision without a live broker.
type fakeAcknowledger struct {
	acked    bool
	nacked   bool
	requeue  bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}
func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}
func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error { return nil }

func newWorker(t *testing.T, registry *envelope.Registry) *Worker {
	t.Helper()
	return New(Config{
		Stream:     "alerts",
		Area:       area.Area{Slug: "recepcao"},
		Routing:    area.Routing{Queue: "alertQueue.recepcao", RetryQueue: "alertRetry.recepcao"},
		MaxRetries: 5,
	}, nil, registry, zerolog.Nop())
}

func delivery(ack *fakeAcknowledger, body []byte, retry int32) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
		Headers:      amqp.Table{retryHeader: retry},
	}
}

func TestHandleDelivery_UndecodableBody_AcksAndDiscards(t *testing.T) {
	w := newWorker(t, envelope.NewRegistry())
	ack := &fakeAcknowledger{}

	w.handleDelivery(context.Background(), delivery(ack, []byte("not json"), 0))

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	p, _, _, _ := w.Stats()
	assert.Equal(t, int64(0), p)
}

func TestHandleDelivery_UnknownEnvelopeType_AcksAndDiscards(t *testing.T) {
	w := newWorker(t, envelope.NewRegistry())
	ack := &fakeAcknowledger{}
	body, err := envelope.Encode("alert", 99, map[string]any{})
	require.NoError(t, err)

	w.handleDelivery(context.Background(), delivery(ack, body, 0))

	assert.True(t, ack.acked)
}

func TestHandleDelivery_HandlerSucceeds_Acks(t *testing.T) {
	reg := envelope.NewRegistry()
	reg.Register("alert", 1, envelope.HandlerFunc(func(raw json.RawMessage) error { return nil }))
	w := newWorker(t, reg)
	ack := &fakeAcknowledger{}
	body, err := envelope.Encode("alert", 1, map[string]any{"tagName": "T1"})
	require.NoError(t, err)

	w.handleDelivery(context.Background(), delivery(ack, body, 0))

	assert.True(t, ack.acked)
	processed, _, _, _ := w.Stats()
	assert.Equal(t, int64(1), processed)
}

func TestHandleDelivery_FatalValidationError_AcksAndDiscards(t *testing.T) {
	reg := envelope.NewRegistry()
	reg.Register("alert", 1, envelope.HandlerFunc(func(raw json.RawMessage) error {
		return domainerr.New(domainerr.Validation, "bad payload", nil)
	}))
	w := newWorker(t, reg)
	ack := &fakeAcknowledger{}
	body, err := envelope.Encode("alert", 1, map[string]any{})
	require.NoError(t, err)

	w.handleDelivery(context.Background(), delivery(ack, body, 0))

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	_, failed, _, _ := w.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestHandleDelivery_RetryExhausted_NacksWithoutRequeue(t *testing.T) {
	reg := envelope.NewRegistry()
	reg.Register("alert", 1, envelope.HandlerFunc(func(raw json.RawMessage) error {
		return domainerr.Wrap(domainerr.Database, errors.New("conn refused"), "insert failed")
	}))
	w := newWorker(t, reg)
	ack := &fakeAcknowledger{}
	body, err := envelope.Encode("alert", 1, map[string]any{})
	require.NoError(t, err)

	// x-retry already at MaxRetries: next failure must escalate to the DLQ.
	w.handleDelivery(context.Background(), delivery(ack, body, 5))

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
	_, _, _, dlqed := w.Stats()
	assert.Equal(t, int64(1), dlqed)
}

func TestCurrentRetryCount(t *testing.T) {
	d := amqp.Delivery{Headers: amqp.Table{retryHeader: int32(3)}}
	assert.Equal(t, 3, currentRetryCount(d))

	assert.Equal(t, 0, currentRetryCount(amqp.Delivery{}))
}
