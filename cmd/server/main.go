package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/call"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/config"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/metrics"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to an optional YAML configuration file")
	flag.Parse()

	// Load environment variables from .env if present
	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("No .env file found; using system environment variables")
	}

	logger.Info("Configuration loaded",
		"addr", cfg.Server.Addr,
		"model", cfg.Upstream.Model,
		"voice", cfg.Upstream.Voice,
		"telephony_format", cfg.TelephonyFormat().String(),
		"upstream_input_rate", cfg.Upstream.InputSampleRate,
		"upstream_output_rate", cfg.Upstream.OutputSampleRate,
		"chunk_ms", cfg.Telephony.ChunkMS,
		"latency_warn_ms", cfg.Call.LatencyWarnMS,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server := websocket.NewServer(cfg, websocket.Deps{
		Registry: call.NewRegistry(),
		Metrics:  metrics.NewMetrics(reg),
		Gatherer: reg,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", cfg.Server.Addr)
		logger.Info("Telephony endpoint ready", "url", "ws://localhost"+cfg.Server.Addr+websocket.AudioPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "active_calls", server.Registry().Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}
	// Hijacked telephony connections are not tracked by http.Server.
	if !server.Shutdown(shutdownCtx) {
		logger.Warn("Calls still active after shutdown timeout", "active_calls", server.Registry().Count())
	}
	logger.Info("Server stopped")
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
