package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aradsms/dialqueue/internal/dialqueue/app"
	"github.com/aradsms/dialqueue/internal/dialqueue/events"
	"github.com/aradsms/dialqueue/internal/dialqueue/repository/postgres"
	"github.com/aradsms/dialqueue/internal/platform/config"
	"github.com/aradsms/dialqueue/internal/platform/database"
	"github.com/aradsms/dialqueue/internal/platform/logger"
	"github.com/aradsms/dialqueue/internal/platform/messagebroker"
	"github.com/aradsms/dialqueue/internal/public_api_service/middleware"
	httptransport "github.com/aradsms/dialqueue/internal/public_api_service/transport/http"
)

const serviceName = "dialqueue_service"

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger = appLogger.With("service", serviceName)
	appLogger.Info("Starting service...")

	appLogger.Info("Configuration loaded",
		"log_level", cfg.LogLevel,
		"nats_url", cfg.NATSURL,
		"postgres_dsn_present", cfg.PostgresDSN != "",
		"http_port", cfg.HTTPPort,
		"claim_ttl_minutes", cfg.ClaimTTLMinutes,
	)

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Database connection pool initialized")

	// NATS backs the change-notification feed. The service still works without
	// it; operator sessions then poll instead of receiving pushes.
	var feed *events.Feed
	if cfg.NATSURL != "" {
		natsClient, err := messagebroker.NewNatsClient(cfg.NATSURL, serviceName, appLogger)
		if err != nil {
			appLogger.Error("Failed to connect to NATS, change feed disabled", "url", cfg.NATSURL, "error", err)
		} else {
			defer natsClient.Close()
			feed = events.NewFeed(natsClient, natsClient, appLogger)
			appLogger.Info("NATS client connected", "url", cfg.NATSURL)
		}
	} else {
		appLogger.Info("NATS URL not configured, change feed disabled.")
	}

	poolRepo := postgres.NewPgPoolRepository(dbPool, appLogger)
	historyRepo := postgres.NewPgHistoryRepository(dbPool, appLogger)

	claimTTL := time.Duration(cfg.ClaimTTLMinutes) * time.Minute
	var coordinatorFeed app.ChangeFeed
	if feed != nil {
		coordinatorFeed = feed
	}
	coordinator := app.NewCoordinator(poolRepo, historyRepo, coordinatorFeed, claimTTL, appLogger)

	validate := validator.New()
	poolHandler := httptransport.NewPoolHandler(coordinator, appLogger, validate)
	historyHandler := httptransport.NewHistoryHandler(coordinator, appLogger)

	authMW := middleware.AuthMiddleware(cfg.JWTAccessSecret, appLogger)
	adminMW := middleware.AdminOnlyMiddleware(appLogger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(httptransport.PrometheusMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(authMW)

		v1.Group(func(operatorRouter chi.Router) {
			operatorRouter.Use(chimiddleware.Timeout(60 * time.Second))
			poolHandler.RegisterRoutes(operatorRouter)
			historyHandler.RegisterRoutes(operatorRouter)
		})

		// SSE streams are long-lived, so no request timeout here.
		if feed != nil {
			streamHandler := httptransport.NewStreamHandler(feed, appLogger)
			streamHandler.RegisterRoutes(v1)
		}

		v1.Route("/admin", func(adminRouter chi.Router) {
			adminRouter.Use(chimiddleware.Timeout(60 * time.Second))
			adminRouter.Use(adminMW)
			poolHandler.RegisterAdminRoutes(adminRouter)
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: r,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		appLogger.Info("HTTP server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server failed to serve", "error", err)
			return err
		}
		appLogger.Info("HTTP server stopped gracefully.")
		return nil
	})

	g.Go(func() error {
		stopSignal := make(chan os.Signal, 1)
		signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-stopSignal:
			appLogger.Info("Received termination signal", "signal", sig.String())
			mainCancel()
			return nil
		case <-groupCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info("Initiating graceful shutdown of HTTP server...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("HTTP server shutdown failed", "error", err)
			return err
		}
		return nil
	})

	appLogger.Info("Service is ready and running.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Service group encountered an error", "error", err)
	}

	appLogger.Info("Service shutdown complete.")
}
