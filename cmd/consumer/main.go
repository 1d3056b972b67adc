// Command consumer declares the broker topology, consumes every area's
// telemetry and alert queues, persists accepted messages, and runs the
// periodic notification scheduler, per spec.md §4.2-§4.9.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "go.uber.org/automaxprocs"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/alerts/fanout"
	alertstore "github.com/plantops/telemetry-backbone/internal/alerts/store"
	"github.com/plantops/telemetry-backbone/internal/alerts/usecase"
	"github.com/plantops/telemetry-backbone/internal/area"
	"github.com/plantops/telemetry-backbone/internal/broker/conn"
	"github.com/plantops/telemetry-backbone/internal/broker/consume"
	"github.com/plantops/telemetry-backbone/internal/broker/envelope"
	"github.com/plantops/telemetry-backbone/internal/broker/topology"
	"github.com/plantops/telemetry-backbone/internal/config"
	"github.com/plantops/telemetry-backbone/internal/notify"
	"github.com/plantops/telemetry-backbone/internal/obs"
	"github.com/plantops/telemetry-backbone/internal/ratemeter"
	"github.com/plantops/telemetry-backbone/internal/scheduler"
	"github.com/plantops/telemetry-backbone/internal/telemetry"
)

// fanoutFinder adapts internal/alerts/fanout.Reader into scheduler.Finder,
// since the scheduler walks clients without knowing which area owns their
// recent history.
type fanoutFinder struct {
	reader *fanout.Reader
}

func (f fanoutFinder) FindByFilters(ctx context.Context, filters alerts.Filters) ([]alerts.Sample, error) {
	return f.reader.GetAlertsFromAllAreas(ctx, fanout.Query{
		ClientID:  filters.ClientID,
		TagName:   filters.TagName,
		Site:      filters.Site,
		StartDate: filters.StartDate,
		EndDate:   filters.EndDate,
		Limit:     filters.Limit,
	})
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLog := log.New(os.Stdout, "[consumer] ", log.LstdFlags)
	maxProcs := runtime.GOMAXPROCS(0)
	startupLog.Printf("GOMAXPROCS: %d (via automaxprocs)", maxProcs)

	cfg, err := config.Load(nil)
	if err != nil {
		startupLog.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := obs.NewLogger(obs.LoggerConfig{
		Level:   obs.LogLevel(cfg.LogLevel),
		Format:  obs.LogFormat(cfg.LogFormat),
		Service: "consumer",
	})
	obs.InitGlobal(logger)
	cfg.LogConfig(logger)

	router := area.NewRouter(cfg.RouterConfig())
	areas := router.Areas()
	if slug := cfg.ConsumerAreaSlug; slug != "" {
		if a, ok := router.ResolveBySlug(slug); ok {
			areas = []area.Area{a}
		} else {
			startupLog.Fatalf("CONSUMER_AREA_SLUG %q does not match any configured area", slug)
		}
	}

	supervisor := conn.New(cfg.SupervisorConfig(), logger)
	defer supervisor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel, err := supervisor.Channel(ctx)
	if err != nil {
		startupLog.Fatalf("could not acquire channel to declare topology: %v", err)
	}
	if err := topology.NewManager(channel, cfg.TopologyConfig(), logger).Declare(ctx, router); err != nil {
		startupLog.Fatalf("failed to declare broker topology: %v", err)
	}

	telemetryDB, err := sqlx.Open("pgx", cfg.TelemetryDSN())
	if err != nil {
		startupLog.Fatalf("failed to open telemetry database: %v", err)
	}
	defer telemetryDB.Close()
	telemetryStore := telemetry.New(telemetryDB)
	if err := telemetryStore.EnsureSchema(ctx); err != nil {
		startupLog.Fatalf("failed to ensure telemetry schema: %v", err)
	}

	areaDBTargets := cfg.AreaDBTargets(router.Areas())
	areaStores := make(map[string]*alertstore.Store)
	for _, target := range areaDBTargets {
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			target.Host, target.Port, target.User, target.Password, target.Database, orDefault(target.SSLMode, "disable"))
		db, err := sqlx.Open("pgx", dsn)
		if err != nil {
			startupLog.Fatalf("failed to open alert database for area %q: %v", target.Area.Slug, err)
		}
		defer db.Close()
		store := alertstore.New(db)
		if err := store.EnsureSchema(ctx); err != nil {
			startupLog.Fatalf("failed to ensure alert schema for area %q: %v", target.Area.Slug, err)
		}
		areaStores[target.Area.Slug] = store
	}

	meter := ratemeter.New()

	var workers []*consume.Worker
	for _, a := range areas {
		telemetryRegistry := envelope.NewRegistry()
		telemetryRegistry.Register("telemetry", 1, telemetry.EnvelopeHandler(telemetryStore))
		telemetryWorker := consume.New(consume.Config{
			Stream:     "telemetry",
			Area:       a,
			Routing:    router.DeriveTelemetry(a.Site),
			MaxRetries: cfg.MaxRetries,
			Prefetch:   cfg.RabbitMQPrefetch,
		}, supervisor, telemetryRegistry, logger)
		workers = append(workers, telemetryWorker)

		store, ok := areaStores[a.Slug]
		if !ok {
			logger.Warn().Str("area", a.Slug).Msg("no alert database configured for area, alert consumption skipped")
			continue
		}
		processor := usecase.New(store, a.Site).WithMeter(meter)
		alertRegistry := envelope.NewRegistry()
		alertRegistry.Register("alert", 1, usecase.EnvelopeHandler(processor))
		alertWorker := consume.New(consume.Config{
			Stream:     "alerts",
			Area:       a,
			Routing:    router.DeriveAlerts(a.Site),
			MaxRetries: cfg.MaxRetries,
			Prefetch:   cfg.RabbitMQPrefetch,
		}, supervisor, alertRegistry, logger)
		workers = append(workers, alertWorker)
	}

	for _, w := range workers {
		if err := w.Start(ctx); err != nil {
			startupLog.Fatalf("failed to start consume worker: %v", err)
		}
	}

	fanoutReader := fanout.New(router, areaDBTargets, logger)
	recentAlertsSource := scheduler.NewStoreRecentAlertsSource(fanoutFinder{reader: fanoutReader}, 0)
	webhook := notify.New(cfg.WebhookURL, nil, logger)
	deduper := scheduler.New(scheduler.Config{
		Interval:               time.Duration(cfg.SchedIntervalMs) * time.Millisecond,
		Mode:                   scheduler.Mode(cfg.SchedMode),
		Clients:                cfg.SchedClientList(),
		MaxNotificationsPerSec: cfg.SchedMaxNotificationsPerSec,
	}, recentAlertsSource, webhook, logger)
	go deduper.Run(ctx)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down consumer")
	cancel()
	for _, w := range workers {
		w.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	return mux
}
