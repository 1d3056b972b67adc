// Package simreader provides a deterministic, dependency-free stand-in for
// the real OPC-UA client the sampling loop polls in production. The wire
// protocol itself is out of scope (spec.md §1 / SPEC_FULL.md §15): this
// package only exists so cmd/collector has something concrete to wire
// sampler.Reader/TagNamer against for local runs and tests, satisfying the
// same contract a real driver would.
package simreader

import (
	"context"
	"math"
	"time"

	"github.com/plantops/telemetry-backbone/internal/opcua/sampler"
)

// Reader generates one deterministic value per node per cycle: a sine
// wave offset by the node's position, so successive reads visibly move
// without any external dependency or randomness source.
type Reader struct {
	Amplitude float64 // default 10
	Midpoint  float64 // default 50
	PeriodSec float64 // default 60
}

// ReadNodes implements sampler.Reader.
func (r *Reader) ReadNodes(ctx context.Context, nodes []sampler.NodeID) ([]sampler.NodeValue, error) {
	amplitude := orDefault(r.Amplitude, 10)
	midpoint := orDefault(r.Midpoint, 50)
	period := orDefault(r.PeriodSec, 60)

	now := time.Now()
	out := make([]sampler.NodeValue, len(nodes))
	for i, node := range nodes {
		phase := 2 * math.Pi * (now.Sub(time.Unix(0, 0)).Seconds()/period + float64(i)/float64(len(nodes)+1))
		value := midpoint + amplitude*math.Sin(phase)
		out[i] = sampler.NodeValue{
			NodeID:          node,
			Value:           value,
			StatusCode:      "Good",
			SourceTimestamp: &now,
			ServerTimestamp: &now,
		}
	}
	return out, nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// TagNamer has no friendly names of its own; it always reports ok=false
// so the sampler falls through to its built-in "Tag_NN" default.
type TagNamer struct{}

// TagName implements sampler.TagNamer.
func (TagNamer) TagName(position int) (string, bool) {
	return "", false
}
