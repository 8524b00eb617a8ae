// EduTutor - tutoring chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/edututor/internal/api"
	"github.com/ashureev/edututor/internal/config"
	"github.com/ashureev/edututor/internal/convlog"
	"github.com/ashureev/edututor/internal/gateway"
	"github.com/ashureev/edututor/internal/health"
	"github.com/ashureev/edututor/internal/live"
	"github.com/ashureev/edututor/internal/metrics"
	"github.com/ashureev/edututor/internal/middleware"
	"github.com/ashureev/edututor/internal/store"
	"github.com/ashureev/edututor/internal/tutor"
	"github.com/ashureev/edututor/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const (
	healthWatchInterval = 15 * time.Second
	statsRefresh        = 30 * time.Second
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

	slog.Info("Starting server", "port", cfg.Port, "llm_provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	llm, err := gateway.NewFromConfig(ctx, cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize language model", "error", err)
		os.Exit(1)
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
		llm = llm.WithObserver(m.ObserveLLM)
	}

	prompts, err := tutor.NewPrompts(cfg.Tutor.ReplyPromptPath, cfg.Tutor.SummaryPromptPath, cfg.Tutor.Timezone)
	if err != nil {
		slog.Error("Failed to load prompts", "error", err)
		os.Exit(1)
	}

	mgr := tutor.NewManager(repo, llm, prompts, tutor.Options{
		HistoryLimit:       cfg.Tutor.HistoryLimit,
		ReplyTimeout:       cfg.LLM.ReplyTimeout,
		SummaryTimeout:     cfg.LLM.SummaryTimeout,
		ReplyTemperature:   cfg.LLM.ReplyTemperature,
		SummaryTemperature: cfg.LLM.SummaryTemperature,
		MaxTokens:          cfg.LLM.MaxTokens,
		Logger:             logger,
	})

	hub := live.NewHub()
	mgr.AddObserver(hub)
	if m != nil {
		mgr.AddObserver(tutor.ObserverFunc(m.Observe))
	}

	conversationLogger, err := convlog.New(cfg.ConversationLog, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	if conversationLogger != nil {
		mgr.AddObserver(conversationLogger)
		defer func() {
			if closeErr := conversationLogger.Close(); closeErr != nil {
				slog.Error("Failed to close conversation logger", "error", closeErr)
			}
		}()
	}

	apiHandler := api.NewHandler(mgr, cfg)
	defer apiHandler.Close()
	liveHandler := live.NewHandler(mgr, hub, apiHandler.Limiter(), cfg.CORSOrigins)
	checker := health.NewChecker(repo, llm.Provider())

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.RequestIDHeader)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	if m != nil {
		r.Use(m.Middleware)
	}

	r.Method(http.MethodGet, "/healthz", checker)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
		m.StartStatsRefresher(ctx, repo, statsRefresh)
	}

	apiHandler.RegisterRoutes(r)
	liveHandler.RegisterRoutes(r)

	// Embedded chat client (catch-all).
	r.Handle("/*", web.Handler())

	// WriteTimeout stays 0: WebSocket connections are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var grpcHealth *health.GRPCServer
	if cfg.HealthGRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.HealthGRPCPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "port", cfg.HealthGRPCPort, "error", err)
			os.Exit(1)
		}
		grpcHealth = health.NewGRPCServer(checker)
		grpcHealth.Watch(ctx, healthWatchInterval)
		go func() {
			slog.Info("gRPC health listening", "addr", lis.Addr().String())
			if err := grpcHealth.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	tutor.StartIdleSweeper(ctx, mgr, cfg.Tutor.IdleTimeout, cfg.Tutor.IdleSweepInterval)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}
