package platform

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/plantops/telemetry-backbone/internal/obs"
)

// Monitor periodically samples process CPU pressure and publishes it as
// gauges, and gates callers that would otherwise starve the host (the
// OPC-UA sampling loop) behind an Overloaded threshold.
type Monitor struct {
	sampler   *CPUSampler
	logger    zerolog.Logger
	interval  time.Duration // default 10s
	threshold float64       // default 90

	lastPercent float64
}

// NewMonitor builds a Monitor. interval/threshold default to 10s/90%
// when zero.
func NewMonitor(logger zerolog.Logger, interval time.Duration, threshold float64) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if threshold <= 0 {
		threshold = 90
	}
	return &Monitor{
		sampler:   NewCPUSampler(),
		logger:    logger.With().Str("component", "platform.monitor").Logger(),
		interval:  interval,
		threshold: threshold,
	}
}

// Run blocks, sampling every m.interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	percent, allocated, throttledSec, err := m.sampler.Percent()
	if err != nil {
		m.logger.Debug().Err(err).Msg("cpu sample skipped")
		return
	}

	m.lastPercent = percent
	obs.ProcessCPUPercent.Set(percent)
	obs.ProcessCPUAllocated.Set(allocated)

	if throttledSec > 0 {
		m.logger.Warn().Float64("throttled_sec", throttledSec).Float64("cpu_percent", percent).Msg("cgroup CPU throttling observed")
	}
}

// Overloaded reports whether the last sampled CPU percentage exceeds
// the configured threshold.
func (m *Monitor) Overloaded() bool {
	return m.lastPercent > m.threshold
}
