// Package usecase implements the alert processing pipeline a consumer
// handler calls into: validate the incoming payload, resolve the dedup
// window, and persist through the store, translating every failure into
// the shared domainerr taxonomy.
package usecase

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/domainerr"
	"github.com/plantops/telemetry-backbone/internal/obs"
)

const defaultDedupWindow = 5 * time.Minute

// Store is the subset of internal/alerts/store.Store the processor needs,
// named here so tests can substitute a fake instead of a real pool.
type Store interface {
	EnsureSchema(ctx context.Context) error
	InsertIfNotRecent(ctx context.Context, sample alerts.Sample, dedupWindow time.Duration) (*alerts.Sample, error)
}

// Meter records a successful insert per client, for the insert-rate
// dashboard. Named here so tests can omit it entirely (nil is a valid,
// no-op Processor state).
type Meter interface {
	RecordInserts(clientID string, n int)
}

// Processor runs the validate-dedup-persist pipeline for one area's store.
type Processor struct {
	store Store
	site  string
	meter Meter
}

// New builds a Processor bound to store for area site.
func New(store Store, site string) *Processor {
	return &Processor{store: store, site: site}
}

// WithMeter attaches an insert-rate meter. Optional: a Processor with no
// meter simply skips the recording step.
func (p *Processor) WithMeter(meter Meter) *Processor {
	p.meter = meter
	return p
}

// Process validates payload, resolves its dedup window, and persists it.
// saved is true when a new row was actually written; false (with a nil
// alert and nil error) means the payload was suppressed as a duplicate.
func (p *Processor) Process(ctx context.Context, payload alerts.Payload) (saved bool, alert *alerts.Sample, derr *domainerr.Error) {
	if err := validate(payload); err != nil {
		return false, nil, err
	}

	if err := p.store.EnsureSchema(ctx); err != nil {
		return false, nil, classifyStoreError(err, "ensure schema")
	}

	sample := alerts.Sample{
		ID:          payload.MsgID,
		ClientID:    payload.ClientID,
		Site:        p.site,
		Timestamp:   payload.Timestamp,
		TagName:     payload.TagName,
		Value:       payload.Value,
		Desvio:      string(alerts.NormalizeDesvio(payload.Desvio)),
		AlertsCount: payload.AlertsCount,
		Unidade:     payload.Unidade,
		Recipients:  payload.Recipients,
	}
	if sample.ID == uuid.Nil {
		sample.ID = uuid.New()
	}

	window := resolveDedupWindow(payload.DedupWindowMs)

	result, err := p.store.InsertIfNotRecent(ctx, sample, window)
	if err != nil {
		return false, nil, classifyStoreError(err, "insert alert sample")
	}
	if result == nil {
		obs.AlertsSuppressedTotal.WithLabelValues(sample.ClientID).Inc()
		return false, nil, nil
	}

	obs.AlertsInsertedTotal.WithLabelValues(sample.ClientID).Inc()
	if p.meter != nil {
		p.meter.RecordInserts(sample.ClientID, 1)
	}
	return true, result, nil
}

// resolveDedupWindow implements the precedence from spec.md §4.8:
// payload field, then ALERT_DEDUP_MS, then the built-in 5 minute default.
func resolveDedupWindow(payloadMs *int64) time.Duration {
	if payloadMs != nil && *payloadMs > 0 {
		return time.Duration(*payloadMs) * time.Millisecond
	}
	if raw := os.Getenv("ALERT_DEDUP_MS"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultDedupWindow
}

// validate accumulates every validation failure into a single VALIDATION
// error instead of returning on the first one, so a caller (or log line)
// sees the whole set of problems with a payload at once.
func validate(p alerts.Payload) *domainerr.Error {
	var problems []string

	if strings.TrimSpace(p.ClientID) == "" {
		problems = append(problems, "clientId is required")
	}
	if strings.TrimSpace(p.TagName) == "" {
		problems = append(problems, "tagName is required")
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		problems = append(problems, "value must be a finite number")
	}
	if p.Timestamp.IsZero() {
		problems = append(problems, "ts is required")
	}
	if p.Recipients == nil {
		problems = append(problems, "recipients must be present, even if empty")
	}

	if len(problems) == 0 {
		return nil
	}
	return domainerr.New(domainerr.Validation, strings.Join(problems, "; "), map[string]any{
		"clientId": p.ClientID,
		"tagName":  p.TagName,
	})
}

func classifyStoreError(err error, message string) *domainerr.Error {
	if de, ok := domainerr.As(err); ok {
		return de
	}
	return domainerr.Wrap(domainerr.Database, err, message)
}
