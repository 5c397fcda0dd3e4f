package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/audio"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/bridge"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/config"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/engine"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/metrics"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/server"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "scribe-gateway"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load .env before the config so ELEVENLABS_API_KEY can come from it.
	// A missing .env file is fine.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.String("engine_type", cfg.Engine.Type),
		slog.String("engine_endpoint", cfg.Engine.Endpoint),
		slog.String("model_id", cfg.Engine.ModelID),
		slog.Int("engine_sample_rate", cfg.Audio.EngineSampleRate),
		slog.Int("max_prompt_tokens", cfg.Context.MaxPromptTokens),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	// Create the recognition engine
	engineConfig := engine.Config{
		Endpoint:      cfg.Engine.Endpoint,
		APIKey:        cfg.Engine.APIKey,
		Model:         cfg.Engine.ModelID,
		Timeout:       cfg.Engine.GetTimeoutDuration(),
		MaxRetries:    cfg.Engine.MaxRetries,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
	}

	var eng engine.Engine
	switch cfg.Engine.Type {
	case "websocket":
		eng, err = engine.NewWSEngine(engineConfig, logger)
	default:
		eng, err = engine.NewHTTPEngine(engineConfig)
	}
	if err != nil {
		logger.Error("Failed to create recognition engine", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Recognition engine initialized",
		slog.String("type", cfg.Engine.Type),
		slog.String("endpoint", cfg.Engine.Endpoint),
	)

	// Create the transcription bridge and session manager
	engineBridge := bridge.New(eng, cfg.Engine.GetOpenTimeoutDuration(), logger)

	sessionMgr := session.NewManager(logger, engineBridge, appMetrics, session.Config{
		EngineFormat: audio.Format{
			SampleRate: cfg.Audio.EngineSampleRate,
			Channels:   1,
			Encoding:   audio.EncodingPCM16,
		},
		DefaultFormat: audio.Format{
			SampleRate: cfg.Audio.DefaultSampleRate,
			Channels:   cfg.Audio.DefaultChannels,
			Encoding:   cfg.Audio.DefaultEncoding,
		},
		MaxPromptTokens: cfg.Context.MaxPromptTokens,
		IdleTimeout:     cfg.Session.GetIdleTimeoutDuration(),
		CleanupInterval: cfg.Session.GetCleanupIntervalDuration(),
		InboxSize:       cfg.Session.InboxSize,
	})
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeoutDuration()),
	)

	// Initialize the HTTP server (WebSocket transport + REST API)
	httpServer := server.NewHTTPServer(cfg, logger, sessionMgr, eng, appMetrics)
	logger.Info("HTTP server initialized",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_endpoint", fmt.Sprintf("ws://%s:%d/ws/transcribe", cfg.Server.Address, cfg.Server.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop the HTTP server first (stop accepting new connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop the session manager (terminate sessions and background routines)
	sessionMgr.Stop()

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
