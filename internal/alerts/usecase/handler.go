package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/broker/envelope"
)

// EnvelopeHandler adapts a Processor into an envelope.Handler for wiring
// into a consume.Worker's registry. It decodes the alert payload and hands
// it to Process, losing nothing on success and surfacing a plain error
// (never a nil-but-typed *domainerr.Error) on failure, since the consumer
// loop classifies errors by unwrapping with domainerr.As.
func EnvelopeHandler(processor *Processor) envelope.HandlerFunc {
	return func(raw json.RawMessage) error {
		var payload alerts.Payload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode alert payload: %w", err)
		}

		_, _, derr := processor.Process(context.Background(), payload)
		if derr != nil {
			return derr
		}
		return nil
	}
}
