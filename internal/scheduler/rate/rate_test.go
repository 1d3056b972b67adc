package rate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRatePerSec_FirstObservationIsZero(t *testing.T) {
	h := NewHelper()
	got := h.RatePerSec("tagA-HH", 10, time.Now())
	assert.Equal(t, 0.0, got)
}

func TestRatePerSec_ComputesDeltaOverTime(t *testing.T) {
	h := NewHelper()
	t0 := time.Now()
	h.RatePerSec("tagA-HH", 10, t0)

	got := h.RatePerSec("tagA-HH", 30, t0.Add(2*time.Second))
	assert.InDelta(t, 10.0, got, 0.001)
}

func TestRatePerSec_NegativeDeltaIsZero(t *testing.T) {
	h := NewHelper()
	t0 := time.Now()
	h.RatePerSec("tagA-HH", 30, t0)

	got := h.RatePerSec("tagA-HH", 10, t0.Add(time.Second))
	assert.Equal(t, 0.0, got)
}

func TestRatePerSec_NonPositiveElapsedIsZero(t *testing.T) {
	h := NewHelper()
	t0 := time.Now()
	h.RatePerSec("tagA-HH", 10, t0)

	got := h.RatePerSec("tagA-HH", 20, t0)
	assert.Equal(t, 0.0, got)
}

func TestRatePerSec_KeysAreIndependent(t *testing.T) {
	h := NewHelper()
	t0 := time.Now()
	h.RatePerSec("tagA-HH", 10, t0)
	h.RatePerSec("tagB-L", 100, t0)

	gotA := h.RatePerSec("tagA-HH", 15, t0.Add(time.Second))
	gotB := h.RatePerSec("tagB-L", 100, t0.Add(time.Second))
	assert.InDelta(t, 5.0, gotA, 0.001)
	assert.Equal(t, 0.0, gotB)
}
