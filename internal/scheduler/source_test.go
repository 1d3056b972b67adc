package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRecentAlertsSource_MissingFileReturnsEmpty(t *testing.T) {
	src := NewFileRecentAlertsSource(t.TempDir())

	samples, err := src.RecentAlerts(context.Background(), "clientA")

	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestFileRecentAlertsSource_ReadsExistingLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts-log-clientA.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"tagName":"T1","desvio":"HH"}]`), 0o644))
	src := NewFileRecentAlertsSource(dir)

	samples, err := src.RecentAlerts(context.Background(), "clientA")

	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "T1", samples[0].TagName)
}
