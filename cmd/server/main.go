// VoiceDesk - Voice-Guided Loan Onboarding Gateway
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

	"github.com/rpatwari/voicedesk/internal/api"
	"github.com/rpatwari/voicedesk/internal/config"
	"github.com/rpatwari/voicedesk/internal/identity"
	"github.com/rpatwari/voicedesk/internal/middleware"
	"github.com/rpatwari/voicedesk/internal/room"
	"github.com/rpatwari/voicedesk/internal/session"
	"github.com/rpatwari/voicedesk/internal/store"
	"github.com/rpatwari/voicedesk/internal/token"
	"github.com/rpatwari/voicedesk/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	issuer, err := token.NewIssuer(cfg.Token.Secret, cfg.Token.Issuer, cfg.Token.TTL)
	if err != nil {
		slog.Error("Failed to initialize token issuer", "error", err)
		os.Exit(1)
	}

	translog, err := session.NewTranscriptLog(session.TranscriptLogConfig{
		Enabled:   cfg.TranscriptLog.Enabled,
		Dir:       cfg.TranscriptLog.Dir,
		QueueSize: cfg.TranscriptLog.QueueSize,
	})
	if err != nil {
		slog.Error("Failed to initialize transcript log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := translog.Close(); closeErr != nil {
			slog.Warn("Failed to close transcript log", "error", closeErr)
		}
	}()

	// Each user's tabs share one room; the connector dials it over websocket.
	mgr := session.NewManager(func(userID, sessionID string) *session.Connector {
		return session.NewConnector(session.Config{
			UserID:      userID,
			SessionID:   sessionID,
			RoomName:    "onboarding-" + userID,
			ProviderURL: cfg.Room.ProviderURL,
		}, issuer, repo, func() room.Client {
			return room.NewWebsocketClient()
		}, translog)
	})
	defer mgr.CloseAll()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, mgr, issuer, cfg)
	sessionHandler := api.NewSessionHandler(baseHandler)
	catalogHandler := api.NewCatalogHandler(baseHandler)
	streamHandler := api.NewStreamHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	catalogHandler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start TTL worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.StartTTLWorker(ctx, repo, mgr, cfg.SessionTTL)
	slog.Info("TTL worker started", "session_ttl", cfg.SessionTTL)

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

	mgr.CloseAll()
	slog.Info("Server stopped successfully")
}
