// Command collector runs one client's OPC-UA sampling loop: poll nodes on
// an interval, publish telemetry envelopes, and fire the legacy threshold
// alert side-effect, per spec.md §4.6.
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

	_ "go.uber.org/automaxprocs"

	"github.com/plantops/telemetry-backbone/internal/area"
	"github.com/plantops/telemetry-backbone/internal/broker/conn"
	"github.com/plantops/telemetry-backbone/internal/broker/publish"
	"github.com/plantops/telemetry-backbone/internal/config"
	"github.com/plantops/telemetry-backbone/internal/obs"
	"github.com/plantops/telemetry-backbone/internal/opcua/sampler"
	"github.com/plantops/telemetry-backbone/internal/opcua/simreader"
	"github.com/plantops/telemetry-backbone/internal/platform"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLog := log.New(os.Stdout, "[collector] ", log.LstdFlags)

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
		Service: "collector",
	})
	obs.InitGlobal(logger)
	cfg.LogConfig(logger)

	if cfg.ClientID == "" || cfg.Site == "" {
		startupLog.Fatalf("CLIENT_ID and SITE are required for the collector")
	}

	router := area.NewRouter(cfg.RouterConfig())
	resolvedArea := router.ResolveBySite(cfg.Site)

	supervisor := conn.New(cfg.SupervisorConfig(), logger)
	defer supervisor.Close()

	telemetryPublisher := publish.New(supervisor, cfg.PublisherConfig(cfg.RabbitMQExchange))
	alertPublisher := publish.New(supervisor, cfg.PublisherConfig(cfg.TopologyConfig().Alerts.ExchangeName))

	monitor := platform.NewMonitor(logger, cfg.CPUSampleInterval, cfg.CPUPressureThreshold)

	nodes := make([]sampler.NodeID, cfg.OPCUANodeCount)
	for i := range nodes {
		nodes[i] = sampler.NodeID(fmt.Sprintf("node-%02d", i+1))
	}

	samplerCfg := sampler.Config{
		ClientID:        cfg.ClientID,
		Site:            cfg.Site,
		Line:            cfg.Line,
		HostID:          cfg.HostID,
		Area:            resolvedArea,
		Nodes:           nodes,
		IntervalMs:      cfg.OPCUAIntervalMs,
		TelemetryPrefix: cfg.RoutingKeyPrefix,
		AlertPrefix:     "alerts",
		SuppressWindow:  time.Duration(cfg.OPCUASuppressWindowMs) * time.Millisecond,
	}

	s := sampler.New(samplerCfg, &simreader.Reader{}, simreader.TagNamer{}, telemetryPublisher, logger).
		WithPressureGate(monitor).
		WithAlertPublisher(alertPublisher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Run(ctx)
	go s.Run(ctx)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down collector")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	return mux
}
