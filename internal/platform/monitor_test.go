package platform

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewMonitor_DefaultsIntervalAndThreshold(t *testing.T) {
	m := NewMonitor(zerolog.Nop(), 0, 0)
	assert.Equal(t, 10*time.Second, m.interval)
	assert.Equal(t, float64(90), m.threshold)
}

func TestOverloaded_ComparesLastPercentAgainstThreshold(t *testing.T) {
	m := NewMonitor(zerolog.Nop(), time.Second, 80)

	m.lastPercent = 50
	assert.False(t, m.Overloaded())

	m.lastPercent = 81
	assert.True(t, m.Overloaded())
}
