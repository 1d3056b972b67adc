// Package rate derives a per-second rate from successive observations of a
// monotonically-reported value, keyed by an arbitrary string. Adapted from
// the teacher's ResourceGuard pattern of "current value + last-sample
// time" (used there for a single process-wide CPU percentage), generalized
// here to an arbitrary number of independently-tracked keys.
package rate

import (
	"sync"
	"time"
)

type observation struct {
	value float64
	at    time.Time
}

// Helper tracks one (value, t) pair per key and derives a rate between
// consecutive observations. State is never pruned — callers own a bounded
// key space (e.g. one key per tag), not an unbounded one.
type Helper struct {
	mu   sync.Mutex
	prev map[string]observation
}

// NewHelper builds an empty Helper.
func NewHelper() *Helper {
	return &Helper{prev: make(map[string]observation)}
}

// RatePerSec records the observation (current, now) for key and returns the
// per-second rate of change since the previous observation for that key, per
// spec.md §4.9: zero on the first observation for a key, zero if either
// delta is negative, zero if elapsed time is not positive.
func (h *Helper) RatePerSec(key string, current float64, now time.Time) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, ok := h.prev[key]
	h.prev[key] = observation{value: current, at: now}
	if !ok {
		return 0
	}

	deltaValue := current - prev.value
	deltaSeconds := now.Sub(prev.at).Seconds()
	if deltaValue < 0 || deltaSeconds <= 0 {
		return 0
	}
	return deltaValue / deltaSeconds
}
