// Package sampler runs the per-client OPC-UA polling loop. It depends only
// on a ReadNodes interface — the OPC-UA wire protocol is out of scope, per
// spec.md §1 — and is built fresh in the teacher's idiom: a Ticker-driven
// goroutine with context cancellation, panic recovery, and zerolog
// structured logging at the density of the teacher's
// internal/shared/kafka.Consumer poll loop.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/area"
	"github.com/plantops/telemetry-backbone/internal/domainerr"
	"github.com/plantops/telemetry-backbone/internal/obs"
	"github.com/plantops/telemetry-backbone/internal/telemetry"
)

// Publisher is the subset of internal/broker/publish.Publisher the sampler
// needs, named here so tests can substitute a fake instead of a live
// broker connection.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, typ string, version int, payload any) (accepted bool, err error)
}

// PressureGate reports whether the host is under enough resource
// pressure that a sampling cycle should be skipped this tick. Backed in
// production by internal/platform.Monitor; optional, nil disables the
// gate entirely.
type PressureGate interface {
	Overloaded() bool
}

// alertSuppressor tracks a single last-seen timestamp per (tag, desvio)
// key, the same "one (value, t) pair per key" shape internal/scheduler/rate
// uses for its rate derivative, but read here as a plain elapsed-time gate
// rather than a rate.
type alertSuppressor struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func newAlertSuppressor() *alertSuppressor {
	return &alertSuppressor{lastSeen: make(map[string]time.Time)}
}

func (a *alertSuppressor) withinWindow(key string, now time.Time, window time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSeen[key]
	return ok && now.Sub(last) < window
}

func (a *alertSuppressor) mark(key string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSeen[key] = now
}

// NodeID identifies one OPC-UA node to read.
type NodeID string

// NodeValue is one node's read result. Err is set (and Value ignored) on a
// per-node read failure; the cycle continues for every other node.
type NodeValue struct {
	NodeID           NodeID
	Value            any
	BrowseName       string
	DisplayName      string
	Description      string
	DataType         string
	StatusCode       string
	SourceTimestamp  *time.Time
	ServerTimestamp  *time.Time
	Err              error
}

// Reader performs one round-trip read of every requested node. Concrete
// OPC-UA client wiring lives outside this package.
type Reader interface {
	ReadNodes(ctx context.Context, nodes []NodeID) ([]NodeValue, error)
}

// TagNamer resolves a node's position to a friendly tag name, falling back
// to "Tag_NN" (1-based, zero-padded to 2 digits) when no friendly name is
// configured for that position.
type TagNamer interface {
	TagName(position int) (name string, ok bool)
}

// AlarmThresholds is one tag's legacy alert classification thresholds.
type AlarmThresholds struct {
	LL, L, H, HH *float64
}

// classify returns the deviation level value breaches, or "" if none.
func (t AlarmThresholds) classify(value float64) alerts.Desvio {
	switch {
	case t.LL != nil && value <= *t.LL:
		return alerts.DesvioLL
	case t.HH != nil && value >= *t.HH:
		return alerts.DesvioHH
	case t.L != nil && value <= *t.L:
		return alerts.DesvioL
	case t.H != nil && value >= *t.H:
		return alerts.DesvioH
	default:
		return ""
	}
}

// Config configures one client's sampling loop.
type Config struct {
	ClientID        string
	Site            string
	Line            string
	HostID          string
	Area            area.Area
	Nodes           []NodeID
	IntervalMs      int64 // default 2000
	TelemetryPrefix string
	AlertPrefix     string
	Thresholds      map[string]AlarmThresholds // keyed by tag name
	SuppressWindow  time.Duration              // default 5 minutes
}

// Sampler runs one client's polling loop.
type Sampler struct {
	cfg            Config
	reader         Reader
	namer          TagNamer
	publisher      Publisher
	alertPublisher Publisher
	logger         zerolog.Logger
	suppress       *alertSuppressor
	pressure       PressureGate

	nodeFailures map[NodeID]int64
}

// New builds a Sampler. cfg.IntervalMs/SuppressWindow default to 2000ms/5m.
func New(cfg Config, reader Reader, namer TagNamer, publisher Publisher, logger zerolog.Logger) *Sampler {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 2000
	}
	if cfg.SuppressWindow <= 0 {
		cfg.SuppressWindow = 5 * time.Minute
	}
	return &Sampler{
		cfg:            cfg,
		reader:         reader,
		namer:          namer,
		publisher:      publisher,
		alertPublisher: publisher,
		logger:         logger.With().Str("component", "opcua.sampler").Str("client_id", cfg.ClientID).Logger(),
		suppress:       newAlertSuppressor(),
		nodeFailures:   make(map[NodeID]int64),
	}
}

// WithPressureGate attaches a PressureGate consulted at the start of
// every cycle. Optional; a Sampler with no gate never skips a cycle.
func (s *Sampler) WithPressureGate(gate PressureGate) *Sampler {
	s.pressure = gate
	return s
}

// WithAlertPublisher directs the legacy alert side-effect at a different
// publisher than telemetry, for deployments where the alerts stream lives
// on its own exchange. Defaults to the same publisher telemetry uses.
func (s *Sampler) WithAlertPublisher(publisher Publisher) *Sampler {
	s.alertPublisher = publisher
	return s
}

// Run blocks, sampling every cfg.IntervalMs until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("opcua sampling loop stopped")
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Sampler) cycle(ctx context.Context) {
	defer obs.RecoverPanic(s.logger, "opcua.sampler.cycle", map[string]any{"client_id": s.cfg.ClientID})

	if s.pressure != nil && s.pressure.Overloaded() {
		obs.OPCUACyclesSkippedTotal.WithLabelValues(s.cfg.ClientID).Inc()
		s.logger.Warn().Msg("cycle skipped, host under CPU pressure")
		return
	}

	start := time.Now()
	values, err := s.reader.ReadNodes(ctx, s.cfg.Nodes)
	obs.OPCUAReadLatency.WithLabelValues(s.cfg.ClientID).Observe(time.Since(start).Seconds())
	if err != nil {
		obs.OPCUAReadsTotal.WithLabelValues(s.cfg.ClientID, "error").Inc()
		s.logger.Error().Err(err).Msg("opcua read round-trip failed")
		return
	}

	tags := make(map[string]telemetry.EnrichedTag, len(values))
	for i, v := range values {
		if v.Err != nil {
			s.nodeFailures[v.NodeID]++
			obs.OPCUAReadsTotal.WithLabelValues(s.cfg.ClientID, "node_error").Inc()
			continue
		}
		obs.OPCUAReadsTotal.WithLabelValues(s.cfg.ClientID, statusBucket(v.StatusCode)).Inc()

		tagName := s.resolveTagName(i)
		tags[tagName] = telemetry.EnrichedTag{
			Value:            v.Value,
			BrowseName:       v.BrowseName,
			DisplayName:      v.DisplayName,
			Description:      v.Description,
			DataType:         v.DataType,
			StatusCode:       v.StatusCode,
			SourceTimestamp:  v.SourceTimestamp,
			ServerTimestamp:  v.ServerTimestamp,
		}
	}

	s.publishTelemetry(ctx, tags)

	for tagName, tag := range tags {
		s.maybeAlert(ctx, tagName, tag.Value)
	}
}

func statusBucket(code string) string {
	switch code {
	case "", "Good":
		return "good"
	case "Uncertain":
		return "uncertain"
	default:
		return "bad"
	}
}

func (s *Sampler) resolveTagName(position int) string {
	if s.namer != nil {
		if name, ok := s.namer.TagName(position); ok {
			return name
		}
	}
	return fmt.Sprintf("Tag_%02d", position+1)
}

func (s *Sampler) publishTelemetry(ctx context.Context, tags map[string]telemetry.EnrichedTag) {
	msg := telemetry.Message{
		MsgID:    uuid.New(),
		Ts:       time.Now().UTC(),
		Site:     s.cfg.Site,
		Line:     s.cfg.Line,
		HostID:   s.cfg.HostID,
		ClientID: s.cfg.ClientID,
		Tags:     tags,
	}

	routingKey := fmt.Sprintf("%s.%s.%s", s.cfg.TelemetryPrefix, s.cfg.Area.Slug, s.cfg.ClientID)
	if _, err := s.publisher.Publish(ctx, routingKey, "telemetry", 1, msg); err != nil {
		obs.RecordError(string(domainerr.Broker), true)
		s.logger.Error().Err(err).Msg("telemetry publish failed")
	}
}

// maybeAlert classifies value against the tag's configured thresholds and,
// if a deviation is triggered and not currently suppressed, publishes a
// legacy alert envelope on the per-(tag, desvio) suppression window.
func (s *Sampler) maybeAlert(ctx context.Context, tagName string, value any) {
	threshold, ok := s.cfg.Thresholds[tagName]
	if !ok {
		return
	}
	numeric, ok := asFloat64(value)
	if !ok {
		return
	}
	desvio := threshold.classify(numeric)
	if desvio == "" {
		return
	}

	key := tagName + "-" + string(desvio)
	now := time.Now()
	if s.suppress.withinWindow(key, now, s.cfg.SuppressWindow) {
		return
	}

	payload := alerts.Payload{
		MsgID:      uuid.New(),
		Timestamp:  now,
		Site:       s.cfg.Site,
		ClientID:   s.cfg.ClientID,
		TagName:    tagName,
		Value:      numeric,
		Desvio:     string(desvio),
		Recipients: []string{},
	}
	routingKey := fmt.Sprintf("%s.%s.%s", s.cfg.AlertPrefix, s.cfg.Area.Slug, s.cfg.ClientID)
	if _, err := s.alertPublisher.Publish(ctx, routingKey, "alert", 1, payload); err != nil {
		s.logger.Error().Err(err).Str("tag_name", tagName).Str("desvio", string(desvio)).Msg("legacy alert publish failed")
		return
	}
	s.suppress.mark(key, now)
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
