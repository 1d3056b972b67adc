// Package scheduler runs the periodic notification deduper: for each
// client, pull recent alerts, group them by tag+deviation, and notify at
// most once per SCHED_INTERVAL per group. The ticker itself follows the
// teacher's ResourceGuard.StartMonitoring shape (time.Ticker in a
// goroutine, select on ctx.Done). Ticks never overlap: tick() runs
// synchronously inside the same select loop that reads ticker.C, so a
// slow tick simply delays the next read instead of racing it — the same
// non-overlap guarantee time.Ticker already gives a single consumer
// goroutine. Outbound notification delivery is paced through a
// golang.org/x/time/rate limiter, the same token-bucket construction
// ResourceGuard uses for its kafkaLimiter/broadcastLimiter.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	xrate "golang.org/x/time/rate"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/obs"
	"github.com/plantops/telemetry-backbone/internal/scheduler/rate"
)

// Mode gates whether a tick actually delivers notifications or only logs
// what it would have sent.
type Mode string

const (
	ModeNotify  Mode = "notify"
	ModeObserve Mode = "observe"
)

// RecentAlertsSource is the injected read path the deduper pulls a
// client's recent alerts from. The production wiring (cmd/consumer) is a
// StoreRecentAlertsSource over the multi-area fan-out reader;
// FileRecentAlertsSource satisfies the same interface for the legacy
// per-client file log.
type RecentAlertsSource interface {
	RecentAlerts(ctx context.Context, clientID string) ([]alerts.Sample, error)
}

// Notifier delivers a notification for one deduplicated alert group.
// Implementations talk to whatever external channel (email, WhatsApp,
// webhook) the deployment wires in; the deduper itself is channel-agnostic.
type Notifier interface {
	Send(ctx context.Context, clientID string, group AlertGroup) error
}

// AlertGroup is the deduplication unit: every sample sharing a
// "<tag>-<desvio>" key, coalesced for one notification decision.
type AlertGroup struct {
	TagName string
	Desvio  string
	Samples []alerts.Sample
}

func dedupKey(tagName, desvio string) string {
	return fmt.Sprintf("%s-%s", tagName, desvio)
}

// Config configures a Deduper.
type Config struct {
	Interval time.Duration // default 5 minutes
	Mode     Mode          // default ModeObserve
	Clients  []string      // active client set the deduper walks every tick

	// MaxNotificationsPerSec caps outbound notification delivery across all
	// clients combined, default 5/sec. Burst defaults to 2x that rate, the
	// same multiplier the teacher's ResourceGuard uses for its Kafka and
	// broadcast limiters.
	MaxNotificationsPerSec float64
}

// Deduper is the scheduler described in spec.md §4.9.
type Deduper struct {
	cfg      Config
	source   RecentAlertsSource
	notifier Notifier
	logger   zerolog.Logger
	rates    *rate.Helper
	limiter  *xrate.Limiter

	mu       sync.Mutex
	lastSent map[string]map[string]time.Time // clientID -> dedupKey -> lastSent
}

// New builds a Deduper. cfg.Interval/Mode default to 5m/observe when unset.
func New(cfg Config, source RecentAlertsSource, notifier Notifier, logger zerolog.Logger) *Deduper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeObserve
	}
	if cfg.MaxNotificationsPerSec <= 0 {
		cfg.MaxNotificationsPerSec = 5
	}
	return &Deduper{
		cfg:      cfg,
		source:   source,
		notifier: notifier,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		rates:    rate.NewHelper(),
		limiter:  xrate.NewLimiter(xrate.Limit(cfg.MaxNotificationsPerSec), int(cfg.MaxNotificationsPerSec*2)),
		lastSent: make(map[string]map[string]time.Time),
	}
}

// Run blocks, ticking every cfg.Interval until ctx is cancelled. A tick
// that overruns the interval delays the next tick rather than overlapping
// with it, because each tick runs synchronously in the loop that reads the
// ticker channel.
func (d *Deduper) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Deduper) tick(ctx context.Context) {
	defer obs.RecoverPanic(d.logger, "scheduler.tick", nil)

	for _, clientID := range d.cfg.Clients {
		if err := d.processClient(ctx, clientID); err != nil {
			d.logger.Error().Err(err).Str("client_id", clientID).Msg("scheduler tick failed for client")
		}
	}
}

func (d *Deduper) processClient(ctx context.Context, clientID string) error {
	samples, err := d.source.RecentAlerts(ctx, clientID)
	if err != nil {
		return fmt.Errorf("fetch recent alerts for %q: %w", clientID, err)
	}

	groups := groupByDedupKey(samples)
	now := time.Now()

	for key, group := range groups {
		rps := d.rates.RatePerSec(clientID+"|"+key, float64(len(group.Samples)), now)
		d.logger.Debug().
			Str("client_id", clientID).
			Str("dedup_key", key).
			Int("count", len(group.Samples)).
			Float64("rate_per_sec", rps).
			Msg("alert group observed")

		if !d.shouldNotify(clientID, key, now) {
			obs.NotificationsSuppressedTotal.WithLabelValues(clientID).Inc()
			continue
		}

		if d.cfg.Mode == ModeObserve {
			d.logger.Info().Str("client_id", clientID).Str("dedup_key", key).Msg("observe mode, notification suppressed")
			d.markSent(clientID, key, now)
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Error().Err(err).Str("client_id", clientID).Str("dedup_key", key).Msg("notification pacing wait aborted")
			continue
		}

		if err := d.notifier.Send(ctx, clientID, group); err != nil {
			// Delivery failures never update lastSent and never propagate —
			// the next tick retries naturally.
			d.logger.Error().Err(err).Str("client_id", clientID).Str("dedup_key", key).Msg("notification delivery failed")
			continue
		}
		obs.NotificationsSentTotal.WithLabelValues(clientID).Inc()
		d.markSent(clientID, key, now)
	}
	return nil
}

func groupByDedupKey(samples []alerts.Sample) map[string]AlertGroup {
	groups := make(map[string]AlertGroup)
	for _, s := range samples {
		key := dedupKey(s.TagName, s.Desvio)
		g := groups[key]
		g.TagName = s.TagName
		g.Desvio = s.Desvio
		g.Samples = append(g.Samples, s)
		groups[key] = g
	}
	return groups
}

func (d *Deduper) shouldNotify(clientID, key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	clientSent, ok := d.lastSent[clientID]
	if !ok {
		return true
	}
	last, ok := clientSent[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= d.cfg.Interval
}

func (d *Deduper) markSent(clientID, key string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastSent[clientID] == nil {
		d.lastSent[clientID] = make(map[string]time.Time)
	}
	d.lastSent[clientID][key] = now
}
