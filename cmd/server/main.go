// Payment Assistant Relay Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/relayworks/payagent/internal/agent"
	"github.com/relayworks/payagent/internal/api"
	"github.com/relayworks/payagent/internal/config"
	"github.com/relayworks/payagent/internal/mcp"
	"github.com/relayworks/payagent/internal/middleware"
	"github.com/relayworks/payagent/internal/observability"
	"github.com/relayworks/payagent/internal/relay"
	"github.com/relayworks/payagent/internal/store"
	"github.com/relayworks/payagent/internal/transcript"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "model", cfg.AnthropicModel)

	observability.InitMetrics()

	// Initialize dependencies.
	st := store.New()

	mcpClient := mcp.NewClient(cfg.MCPServerURL, logger)
	engine := agent.NewEngine(cfg.AnthropicAPIKey, cfg.AnthropicModel, mcpClient, logger)

	// Signal-aware root context; it also bounds agent initialization so a
	// Ctrl-C during a slow MCP handshake still exits promptly.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Initialize(ctx); err != nil {
		slog.Error("Failed to initialize agent engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	recorder, err := transcript.New(transcript.Config{
		DBPath:    cfg.Transcript.DBPath,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript recorder", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := recorder.Close(); closeErr != nil {
			slog.Error("Failed to close transcript recorder", "error", closeErr)
		}
	}()
	if recorder.Enabled() {
		slog.Info("Transcript recording enabled", "db_path", cfg.Transcript.DBPath)
	} else {
		slog.Info("Transcript recording disabled (TRANSCRIPT_DB_PATH not set)")
	}

	// Initialize services and handlers.
	svc := relay.NewService(st, engine, recorder, cfg)
	turnHandler := relay.NewHandler(ctx, svc, cfg)
	sessionHandler := api.NewSessionHandler(st)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.Origins()))

	turnHandler.RegisterRoutes(r)
	sessionHandler.RegisterRoutes(r)
	r.Handle("/metrics", observability.MetricsHandler())

	// Note: agent turns can approach the configured timeout, so writes get
	// no fixed deadline of their own.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start session reaper.
	store.StartReaper(ctx, st, cfg.SessionRetention, cfg.ReaperInterval, func(sessionID string) {
		observability.RecordSessionReaped()
		observability.SetActiveSessions(st.Len())
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
