// Package app assembles the orchestrator from environment configuration
// and runs it until the process exits.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	server "tandem/server"
	servernet "tandem/server/internal/net"
	"tandem/server/internal/sidecar"
	"tandem/server/logging"
	loggingSinks "tandem/server/logging/sinks"
)

const (
	defaultAddr       = ":8080"
	defaultSidecarURL = "http://127.0.0.1:8100"
)

// Config carries process-level settings that do not come from the
// environment.
type Config struct {
	Logger *log.Logger
}

// Run builds the hub, mounts the HTTP surface, and serves until the
// listener fails or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	logConfig := logging.DefaultConfig()
	namedSinks := []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout)},
	}
	if path := os.Getenv("LOG_NDJSON_PATH"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open ndjson log %s: %w", path, err)
		}
		defer f.Close()
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, "ndjson")
		namedSinks = append(namedSinks, logging.NamedSink{
			Name: "ndjson",
			Sink: loggingSinks.NewNDJSON(f, logConfig.NDJSON.FlushInterval),
		})
	}

	router, err := logging.NewRouter(nil, logConfig, namedSinks)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(ctx); cerr != nil {
			logger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	hubCfg := hubConfigFromEnv(logger)
	hubCfg.Logger = logger
	hubCfg.Publisher = router

	sidecarURL := envString("SIDECAR_URL", defaultSidecarURL)
	stepper := sidecar.NewClient(sidecarURL)

	hub := server.NewHub(hubCfg, stepper)
	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{Logger: logger})

	addr := envString("TANDEM_ADDR", defaultAddr)
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Printf("orchestrator listening on %s (sidecar %s)", addr, sidecarURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func hubConfigFromEnv(logger *log.Logger) server.Config {
	cfg := server.DefaultConfig()
	setInt(logger, "ROOM_CAPACITY", &cfg.RoomCapacity)
	setInt(logger, "NUM_AGENTS", &cfg.NumAgents)
	setInt(logger, "NUM_LANDMARKS", &cfg.NumLandmarks)
	setInt(logger, "EPISODE_HORIZON", &cfg.EpisodeHorizon)
	setInt(logger, "SEED", &cfg.Seed)
	setDurationMillis(logger, "TICK_MS", &cfg.TickInterval)
	setDurationMillis(logger, "READY_TIMEOUT_MS", &cfg.ReadyTimeout)
	setDurationMillis(logger, "TRIAL_DURATION_MS", &cfg.TrialDuration)
	if task := os.Getenv("TASK"); task != "" {
		cfg.Task = task
	}
	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setInt(logger *log.Logger, key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Printf("invalid %s=%q: %v", key, raw, err)
		return
	}
	*dst = value
}

func setDurationMillis(logger *log.Logger, key string, dst *time.Duration) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		logger.Printf("invalid %s=%q", key, raw)
		return
	}
	*dst = time.Duration(value) * time.Millisecond
}
