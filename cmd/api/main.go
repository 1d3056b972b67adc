// Command api serves the two HTTP read endpoints spec.md §3 exposes to
// the (out of scope) front-end: a per-client alert summary and the
// filtered, fanned-out list of alerts sent.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/plantops/telemetry-backbone/internal/alerts/fanout"
	"github.com/plantops/telemetry-backbone/internal/alerts/httpapi"
	"github.com/plantops/telemetry-backbone/internal/area"
	"github.com/plantops/telemetry-backbone/internal/config"
	"github.com/plantops/telemetry-backbone/internal/obs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLog := log.New(os.Stdout, "[api] ", log.LstdFlags)
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
		Service: "api",
	})
	obs.InitGlobal(logger)
	cfg.LogConfig(logger)

	router := area.NewRouter(cfg.RouterConfig())
	fanoutReader := fanout.New(router, cfg.AreaDBTargets(router.Areas()), logger)
	handlers := httpapi.New(fanoutReader, fanoutReader, logger)

	mux := http.NewServeMux()
	handlers.Register(mux)

	apiServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api server stopped unexpectedly")
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	return mux
}
