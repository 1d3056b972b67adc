package telemetry

import (
	"context"
	"encoding/json"

	"github.com/plantops/telemetry-backbone/internal/broker/envelope"
	"github.com/plantops/telemetry-backbone/internal/domainerr"
)

// Sink appends one telemetry message. Satisfied by *Store; named here so
// tests can substitute a fake instead of a live database.
type Sink interface {
	Append(ctx context.Context, msg Message) error
}

// EnvelopeHandler adapts a Sink into an envelope.Handler for wiring into a
// consume.Worker's registry. Decode failures are non-retryable per
// spec.md §4.5 step 1; append failures surface as-is so the consumer loop
// classifies them with domainerr.As.
func EnvelopeHandler(sink Sink) envelope.HandlerFunc {
	return func(raw json.RawMessage) error {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return domainerr.Wrap(domainerr.Validation, err, "decode telemetry payload")
		}
		return sink.Append(context.Background(), msg)
	}
}
