package telemetry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/telemetry-backbone/internal/domainerr"
)

type fakeSink struct {
	appended []Message
	err      error
}

func (f *fakeSink) Append(ctx context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, msg)
	return nil
}

func TestEnvelopeHandler_DecodeFailureIsNonRetryableValidation(t *testing.T) {
	sink := &fakeSink{}
	handler := EnvelopeHandler(sink)

	err := handler.Handle(json.RawMessage(`not json`))

	require.Error(t, err)
	de, ok := domainerr.As(err)
	require.True(t, ok)
	assert.Equal(t, domainerr.Validation, de.Kind)
	assert.False(t, de.Retryable)
	assert.Empty(t, sink.appended)
}

func TestEnvelopeHandler_AppendsDecodedMessage(t *testing.T) {
	sink := &fakeSink{}
	handler := EnvelopeHandler(sink)

	raw, err := json.Marshal(Message{ClientID: "clientA", Site: "Recepção"})
	require.NoError(t, err)

	require.NoError(t, handler.Handle(raw))
	require.Len(t, sink.appended, 1)
	assert.Equal(t, "clientA", sink.appended[0].ClientID)
}

func TestEnvelopeHandler_AppendFailurePropagates(t *testing.T) {
	sink := &fakeSink{err: assertErr{}}
	handler := EnvelopeHandler(sink)

	raw, err := json.Marshal(Message{ClientID: "clientA"})
	require.NoError(t, err)

	assert.Error(t, handler.Handle(raw))
}

type assertErr struct{}

func (assertErr) Error() string { return "append failed" }
