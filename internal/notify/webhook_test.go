package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/scheduler"
)

func TestSend_NoURLConfigured_IsNoOp(t *testing.T) {
	w := New("", nil, zerolog.Nop())
	err := w.Send(context.Background(), "plant-A", scheduler.AlertGroup{TagName: "TEMP_01", Desvio: "HH"})
	assert.NoError(t, err)
}

func TestSend_PostsJSONPayload(t *testing.T) {
	var received payload
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		rw.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w := New(server.URL, nil, zerolog.Nop())
	group := scheduler.AlertGroup{
		TagName: "TEMP_01",
		Desvio:  "HH",
		Samples: []alerts.Sample{{ClientID: "plant-A", TagName: "TEMP_01"}},
	}
	err := w.Send(context.Background(), "plant-A", group)
	require.NoError(t, err)

	assert.Equal(t, "plant-A", received.ClientID)
	assert.Equal(t, "TEMP_01", received.TagName)
	assert.Equal(t, "HH", received.Desvio)
	assert.Equal(t, 1, received.Count)
}

func TestSend_NonSuccessStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	w := New(server.URL, nil, zerolog.Nop())
	err := w.Send(context.Background(), "plant-A", scheduler.AlertGroup{TagName: "TEMP_01", Desvio: "HH"})
	assert.Error(t, err)
}
