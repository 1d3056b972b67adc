package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/plantops/telemetry-backbone/internal/alerts"
)

// StoreRecentAlertsSource adapts a FindByFilters read path
// (internal/alerts/store.Store, or cmd/consumer's adapter over the
// multi-area fan-out reader) into a RecentAlertsSource, reading recent
// alerts from the database rather than the legacy file log.
type StoreRecentAlertsSource struct {
	Finder Finder
	Window time.Duration // how far back "recent" looks; default 1 hour
}

// Finder is the read-side subset of internal/alerts/store.Store.
type Finder interface {
	FindByFilters(ctx context.Context, filters alerts.Filters) ([]alerts.Sample, error)
}

// NewStoreRecentAlertsSource builds a StoreRecentAlertsSource over finder
// with the given lookback window (defaulting to 1 hour when <= 0).
func NewStoreRecentAlertsSource(finder Finder, window time.Duration) *StoreRecentAlertsSource {
	if window <= 0 {
		window = time.Hour
	}
	return &StoreRecentAlertsSource{Finder: finder, Window: window}
}

func (s *StoreRecentAlertsSource) RecentAlerts(ctx context.Context, clientID string) ([]alerts.Sample, error) {
	start := time.Now().Add(-s.Window)
	return s.Finder.FindByFilters(ctx, alerts.Filters{
		ClientID:  clientID,
		StartDate: &start,
		Limit:     alerts.MaxLimit,
	})
}

// FileRecentAlertsSource reads the legacy per-client JSON alert log
// (`alerts-log-<clientId>.json`) kept for deployments that have not yet
// migrated onto the database-backed store.
type FileRecentAlertsSource struct {
	Dir string
}

// NewFileRecentAlertsSource builds a source reading per-client logs from dir.
func NewFileRecentAlertsSource(dir string) *FileRecentAlertsSource {
	return &FileRecentAlertsSource{Dir: dir}
}

func (f *FileRecentAlertsSource) RecentAlerts(ctx context.Context, clientID string) ([]alerts.Sample, error) {
	path := filepath.Join(f.Dir, fmt.Sprintf("alerts-log-%s.json", clientID))
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read alert log %q: %w", path, err)
	}

	var samples []alerts.Sample
	if err := json.Unmarshal(raw, &samples); err != nil {
		return nil, fmt.Errorf("decode alert log %q: %w", path, err)
	}
	return samples, nil
}
