package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/domainerr"
)

type fakeStore struct {
	ensureSchemaErr error
	insertResult    *alerts.Sample
	insertErr       error
	lastWindow      time.Duration
}

func (f *fakeStore) EnsureSchema(ctx context.Context) error { return f.ensureSchemaErr }

func (f *fakeStore) InsertIfNotRecent(ctx context.Context, sample alerts.Sample, window time.Duration) (*alerts.Sample, error) {
	f.lastWindow = window
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return f.insertResult, nil
}

func validPayload() alerts.Payload {
	return alerts.Payload{
		MsgID:      uuid.New(),
		Timestamp:  time.Now(),
		ClientID:   "clientA",
		TagName:    "T1",
		Value:      42.0,
		Desvio:     "HH",
		Recipients: []string{"ops@site"},
	}
}

func TestProcess_ValidationAccumulatesAllFailures(t *testing.T) {
	store := &fakeStore{}
	p := New(store, "recepcao")

	_, alert, derr := p.Process(context.Background(), alerts.Payload{})

	require.Nil(t, alert)
	require.NotNil(t, derr)
	assert.Equal(t, domainerr.Validation, derr.Kind)
	assert.Contains(t, derr.Message, "clientId")
	assert.Contains(t, derr.Message, "tagName")
	assert.Contains(t, derr.Message, "recipients")
}

func TestProcess_Success(t *testing.T) {
	saved := &alerts.Sample{ID: uuid.New(), ClientID: "clientA"}
	store := &fakeStore{insertResult: saved}
	p := New(store, "recepcao")

	ok, alert, derr := p.Process(context.Background(), validPayload())

	require.Nil(t, derr)
	assert.True(t, ok)
	assert.Equal(t, saved, alert)
}

func TestProcess_Suppressed(t *testing.T) {
	store := &fakeStore{insertResult: nil}
	p := New(store, "recepcao")

	ok, alert, derr := p.Process(context.Background(), validPayload())

	require.Nil(t, derr)
	assert.False(t, ok)
	assert.Nil(t, alert)
}

func TestProcess_DedupWindow_FromPayload(t *testing.T) {
	store := &fakeStore{insertResult: &alerts.Sample{}}
	p := New(store, "recepcao")
	ms := int64(120000)
	payload := validPayload()
	payload.DedupWindowMs = &ms

	_, _, derr := p.Process(context.Background(), payload)

	require.Nil(t, derr)
	assert.Equal(t, 120*time.Second, store.lastWindow)
}

func TestProcess_DedupWindow_DefaultsWhenUnset(t *testing.T) {
	store := &fakeStore{insertResult: &alerts.Sample{}}
	p := New(store, "recepcao")

	_, _, derr := p.Process(context.Background(), validPayload())

	require.Nil(t, derr)
	assert.Equal(t, defaultDedupWindow, store.lastWindow)
}

func TestProcess_StoreErrorWrappedAsDatabase(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("connection refused")}
	p := New(store, "recepcao")

	_, alert, derr := p.Process(context.Background(), validPayload())

	require.Nil(t, alert)
	require.NotNil(t, derr)
	assert.Equal(t, domainerr.Database, derr.Kind)
	assert.True(t, derr.Retryable)
}

func TestProcess_DomainErrorFromStorePassedThrough(t *testing.T) {
	store := &fakeStore{insertErr: domainerr.New(domainerr.Conflict, "dup", nil)}
	p := New(store, "recepcao")

	_, _, derr := p.Process(context.Background(), validPayload())

	require.NotNil(t, derr)
	assert.Equal(t, domainerr.Conflict, derr.Kind)
}
