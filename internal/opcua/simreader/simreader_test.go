package simreader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/telemetry-backbone/internal/opcua/sampler"
)

func TestReadNodes_ReturnsOneValuePerNode(t *testing.T) {
	r := &Reader{}
	nodes := []sampler.NodeID{"n1", "n2", "n3"}

	values, err := r.ReadNodes(context.Background(), nodes)
	require.NoError(t, err)
	require.Len(t, values, len(nodes))

	for i, v := range values {
		assert.Equal(t, nodes[i], v.NodeID)
		assert.Equal(t, "Good", v.StatusCode)
		assert.NotNil(t, v.SourceTimestamp)
		assert.NotNil(t, v.ServerTimestamp)
		numeric, ok := v.Value.(float64)
		require.True(t, ok)
		assert.InDelta(t, 50, numeric, 10.0001)
	}
}

func TestReadNodes_DefaultsKickInWhenZero(t *testing.T) {
	r := &Reader{}
	values, err := r.ReadNodes(context.Background(), []sampler.NodeID{"n1"})
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, 50, values[0].Value.(float64), 10.0001)
}

func TestReadNodes_HonorsCustomAmplitudeAndMidpoint(t *testing.T) {
	r := &Reader{Amplitude: 5, Midpoint: 100, PeriodSec: 30}
	values, err := r.ReadNodes(context.Background(), []sampler.NodeID{"n1"})
	require.NoError(t, err)
	assert.InDelta(t, 100, values[0].Value.(float64), 5.0001)
}

func TestTagName_AlwaysFallsThrough(t *testing.T) {
	namer := TagNamer{}
	name, ok := namer.TagName(0)
	assert.False(t, ok)
	assert.Equal(t, "", name)
}
