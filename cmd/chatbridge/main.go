// Chat bridge: serves the second-opinion chat session to a browser widget.
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
	"golang.org/x/sync/errgroup"

	"github.com/continuia/secondopinion-chat/internal/agent"
	"github.com/continuia/secondopinion-chat/internal/api"
	"github.com/continuia/secondopinion-chat/internal/chat"
	"github.com/continuia/secondopinion-chat/internal/config"
	"github.com/continuia/secondopinion-chat/internal/connection"
	"github.com/continuia/secondopinion-chat/internal/middleware"
	"github.com/continuia/secondopinion-chat/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting chat bridge", "port", cfg.Port, "agent_api", cfg.AgentAPIBase, "store", cfg.Store.Backend, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	backend, err := openBackend(cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize session storage", "error", err)
		os.Exit(1)
	}
	sessions := store.New(backend, cfg.Store.Key, logger)
	defer func() {
		if closeErr := sessions.Close(); closeErr != nil {
			slog.Error("Failed to close session storage", "error", closeErr)
		}
	}()

	if err := sessions.Ping(context.Background()); err != nil {
		slog.Error("Session storage health check failed", "error", err)
		os.Exit(1)
	}

	client, err := agent.NewClient(agent.ClientConfig{
		BaseURL:        cfg.AgentAPIBase,
		CreateTimeout:  cfg.Timing.CreateTimeout,
		HistoryTimeout: cfg.Timing.HistoryTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize agent client", "error", err)
		os.Exit(1)
	}

	policy := connection.DefaultPolicy()
	policy.ConnectTimeout = cfg.Timing.ConnectTimeout
	conn := connection.NewManager(connection.Config{
		Policy:  policy,
		URL:     client.WebSocketURL,
		Toucher: sessions,
	}, logger)

	orchestrator := chat.New(client, conn, sessions, chat.Config{
		RestoreSettle: cfg.Timing.RestoreSettle,
		CreateSettle:  cfg.Timing.CreateSettle,
	}, logger)
	defer orchestrator.Close()

	hub := api.NewHub(logger)
	unsubscribe := orchestrator.Subscribe(hub.Publish)
	defer unsubscribe()

	// Initialize handlers.
	baseHandler := api.NewHandler(orchestrator, hub, logger)
	chatHandler := api.NewChatHandler(baseHandler)
	wsHandler := api.NewWebSocketHandler(baseHandler, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	chatHandler.RegisterRoutes(r)
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// No WriteTimeout: /ws/chat is long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		store.StartExpiryWorker(gctx, sessions, cfg.Store.ExpiryInterval)
		return nil
	})

	g.Go(func() error {
		// A failed start leaves the widget in the failed phase; the browser
		// retries through POST /api/chat/new.
		if err := orchestrator.Initialize(gctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Chat initialization failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		orchestrator.Close()
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func openBackend(cfg config.StoreConfig) (store.Backend, error) {
	if cfg.Backend == config.BackendMemory {
		return store.NewMemory(), nil
	}
	return store.NewSQLite(cfg.DBPath)
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
