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
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	httpAdapter "github.com/bombworks/eventgrid/internal/adapters/primary/http"
	mw "github.com/bombworks/eventgrid/internal/adapters/primary/http/middleware"
	"github.com/bombworks/eventgrid/internal/adapters/primary/ws"
	"github.com/bombworks/eventgrid/internal/adapters/secondary/postgres"
	"github.com/bombworks/eventgrid/internal/auth"
	"github.com/bombworks/eventgrid/internal/config"
	"github.com/bombworks/eventgrid/internal/core/bus"
	"github.com/bombworks/eventgrid/internal/core/delivery"
	"github.com/bombworks/eventgrid/internal/core/ports"
	"github.com/bombworks/eventgrid/internal/infrastructure/logging"
)

// broadcastChannelName is the LISTEN/NOTIFY channel multi-instance
// deployments fan events out on.
const broadcastChannelName = "eventgrid_broadcast"

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"persistence", cfg.Bus.EnablePersistence,
	)

	ctx := context.Background()

	// 3. Initialize the durable event store when persistence is enabled
	var (
		store      ports.EventStore
		channel    ports.BroadcastChannel
		hcStore    httpAdapter.HealthChecker
		pool       *pgxpool.Pool
		dispatcher *delivery.Dispatcher
	)
	if cfg.Bus.EnablePersistence {
		poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Error("failed to parse database URL", "error", err)
			os.Exit(1)
		}
		poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
		poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
		poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		poolConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Error("database ping failed", "error", err)
			os.Exit(1)
		}

		if err := postgres.Migrate(cfg.Database.URL); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("event store ready")

		eventStore := postgres.NewEventStore(pool)
		store = eventStore
		hcStore = eventStore
		channel = postgres.NewNotifier(pool, cfg.Database.URL, logger)
	}

	// 4. Initialize Security Components
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret)
	var serviceKeys *auth.ServiceKeyVerifier
	if cfg.JWT.ServiceKeyHash != "" {
		serviceKeys = auth.NewServiceKeyVerifier(cfg.JWT.ServiceKeyHash)
	}

	// 5. Initialize the Event Bus (Core)
	registry := bus.NewRegistry()
	eventBus := bus.New(registry, store, logger)
	if err := eventBus.Initialize(bus.Config{
		DefaultTTL:        cfg.Bus.DefaultTTL,
		MaxEventSizeBytes: cfg.Bus.MaxEventSizeBytes,
		EnablePersistence: cfg.Bus.EnablePersistence,
		FanoutWorkers:     cfg.Bus.FanoutWorkers,
		QueueSize:         cfg.Bus.QueueSize,
		Retry: bus.RetryPolicy{
			MaxAttempts:       cfg.Bus.Retry.MaxAttempts,
			BaseDelay:         cfg.Bus.Retry.BaseDelay,
			BackoffMultiplier: cfg.Bus.Retry.BackoffMultiplier,
			MaxDelay:          cfg.Bus.Retry.MaxDelay,
		},
	}); err != nil {
		logger.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}

	if store != nil {
		dispatcher = delivery.NewDispatcher(eventBus, store, logger)
		dispatcher.StartSweep()
	}

	// 6. Initialize the Connection Hub (Primary Adapter)
	channelName := ""
	if channel != nil {
		channelName = broadcastChannelName
	}
	hub := ws.NewHub(ws.HubConfig{
		MaxConnections:       cfg.Connections.MaxConnections,
		AuthTimeout:          cfg.Connections.AuthTimeout,
		RateLimitMaxMessages: cfg.Connections.RateLimit.MaxMessages,
		RateLimitWindow:      cfg.Connections.RateLimit.Window,
		PingInterval:         cfg.WebSocket.PingInterval,
		PongWait:             cfg.WebSocket.PongWait,
		BroadcastChannelName: channelName,
	}, eventBus, dispatcher, channel, tokenManager, serviceKeys, logger)

	go hub.Run()
	if err := hub.Start(ctx); err != nil {
		logger.Error("failed to start connection hub", "error", err)
		os.Exit(1)
	}

	// 7. Handlers (Primary Adapters)
	errorHandler := httpAdapter.NewErrorHandler(logger)
	admission := mw.NewRateLimiter(mw.UpgradeRateLimiterConfig(
		cfg.Connections.RateLimit.UpgradeRPS,
		cfg.Connections.RateLimit.UpgradeBurst,
	))

	wsHandler := httpAdapter.NewWebSocketHandler(hub, admission, cfg, logger)
	eventsHandler := httpAdapter.NewEventsHandler(eventBus, store, errorHandler, logger)
	healthHandler := httpAdapter.NewHealthHandler(hcStore, eventBus, hub, cfg.App.Version)

	// 8. Setup Router
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.RecoveryLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints (outside /api/v1 for standard probe paths)
	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/health/live", healthHandler.HandleLiveness)
	r.Get("/health/ready", healthHandler.HandleReadiness)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket route (authentication happens in-band after upgrade)
		r.Get("/ws", wsHandler.ServeHTTP)

		// Protected REST ingress for server-side producers
		r.Group(func(r chi.Router) {
			r.Use(mw.JWTMiddleware(tokenManager))
			r.Route("/events", eventsHandler.RegisterRoutes)
		})
	})

	// 9. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	hub.Close()
	if dispatcher != nil {
		dispatcher.StopSweep()
	}

	// Flush queued events, then drain in-flight deliveries.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := eventBus.Flush(flushCtx); err != nil {
		logger.Warn("event flush incomplete", "error", err)
	}
	flushCancel()

	if err := eventBus.Shutdown(shutdownCtx); err != nil {
		logger.Error("event bus shutdown error", "error", err)
	}

	logger.Info("server shutdown complete")
}
