package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/telemetry-backbone/internal/area"
)

type fakeReader struct {
	values []NodeValue
	err    error
}

func (f *fakeReader) ReadNodes(ctx context.Context, nodes []NodeID) ([]NodeValue, error) {
	return f.values, f.err
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []string // routing keys, in call order
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, typ string, version int, payload any) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	p.published = append(p.published, routingKey+"|"+typ)
	return true, nil
}

func ptr(f float64) *float64 { return &f }

func newTestSampler(reader Reader, pub *recordingPublisher, thresholds map[string]AlarmThresholds) *Sampler {
	return New(Config{
		ClientID:        "clientA",
		Site:            "Recepção",
		Area:            area.Area{Slug: "recepcao"},
		TelemetryPrefix: "telemetry",
		AlertPrefix:     "alerts",
		Thresholds:      thresholds,
	}, reader, nil, pub, zerolog.Nop())
}

func TestCycle_PublishesTelemetryOnSuccess(t *testing.T) {
	reader := &fakeReader{values: []NodeValue{{NodeID: "n1", Value: 10.0, StatusCode: "Good"}}}
	pub := &recordingPublisher{}
	s := newTestSampler(reader, pub, nil)

	s.cycle(context.Background())

	require.Len(t, pub.published, 1)
	assert.Equal(t, "telemetry.recepcao.clientA|telemetry", pub.published[0])
}

func TestCycle_NodeErrorIsLocalizedAndCycleContinues(t *testing.T) {
	reader := &fakeReader{values: []NodeValue{
		{NodeID: "n1", Err: errors.New("bad read")},
		{NodeID: "n2", Value: 5.0, StatusCode: "Good"},
	}}
	pub := &recordingPublisher{}
	s := newTestSampler(reader, pub, nil)

	s.cycle(context.Background())

	require.Len(t, pub.published, 1)
	assert.Equal(t, int64(1), s.nodeFailures["n1"])
}

func TestCycle_ReadRoundTripErrorSkipsPublish(t *testing.T) {
	reader := &fakeReader{err: errors.New("round trip failed")}
	pub := &recordingPublisher{}
	s := newTestSampler(reader, pub, nil)

	s.cycle(context.Background())

	assert.Empty(t, pub.published)
}

func TestResolveTagName_FallsBackToPaddedPosition(t *testing.T) {
	s := newTestSampler(&fakeReader{}, &recordingPublisher{}, nil)
	assert.Equal(t, "Tag_01", s.resolveTagName(0))
	assert.Equal(t, "Tag_12", s.resolveTagName(11))
}

func TestMaybeAlert_PublishesOnThresholdBreach(t *testing.T) {
	reader := &fakeReader{values: []NodeValue{{NodeID: "n1", Value: 99.0, StatusCode: "Good"}}}
	pub := &recordingPublisher{}
	s := newTestSampler(reader, pub, map[string]AlarmThresholds{
		"Tag_01": {HH: ptr(90)},
	})

	s.cycle(context.Background())

	require.Len(t, pub.published, 2)
	assert.Equal(t, "alerts.recepcao.clientA|alert", pub.published[1])
}

func TestMaybeAlert_SuppressesWithinWindow(t *testing.T) {
	reader := &fakeReader{values: []NodeValue{{NodeID: "n1", Value: 99.0, StatusCode: "Good"}}}
	pub := &recordingPublisher{}
	s := newTestSampler(reader, pub, map[string]AlarmThresholds{
		"Tag_01": {HH: ptr(90)},
	})
	s.cfg.SuppressWindow = time.Hour

	s.cycle(context.Background())
	s.cycle(context.Background())

	alertCount := 0
	for _, routingKey := range pub.published {
		if routingKey == "alerts.recepcao.clientA|alert" {
			alertCount++
		}
	}
	assert.Equal(t, 1, alertCount)
}

type fakeGate struct{ overloaded bool }

func (g fakeGate) Overloaded() bool { return g.overloaded }

func TestCycle_SkipsWhenPressureGateOverloaded(t *testing.T) {
	reader := &fakeReader{values: []NodeValue{{NodeID: "n1", Value: 10.0, StatusCode: "Good"}}}
	pub := &recordingPublisher{}
	s := newTestSampler(reader, pub, nil).WithPressureGate(fakeGate{overloaded: true})

	s.cycle(context.Background())

	assert.Empty(t, pub.published)
}

func TestAlarmThresholds_Classify(t *testing.T) {
	th := AlarmThresholds{LL: ptr(0), L: ptr(10), H: ptr(90), HH: ptr(100)}
	assert.Equal(t, "", string(th.classify(50)))
	assert.Equal(t, "LL", string(th.classify(-1)))
	assert.Equal(t, "HH", string(th.classify(101)))
}
