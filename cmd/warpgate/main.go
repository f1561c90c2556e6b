package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/tjfontaine/warpgate/internal/config"
	"github.com/tjfontaine/warpgate/internal/credential"
	"github.com/tjfontaine/warpgate/internal/metrics"
	"github.com/tjfontaine/warpgate/internal/server"
	"github.com/tjfontaine/warpgate/internal/session"
	"github.com/tjfontaine/warpgate/internal/storage/sqlite"
	"github.com/tjfontaine/warpgate/internal/telemetry"
	"github.com/tjfontaine/warpgate/internal/tokens"
	"github.com/tjfontaine/warpgate/internal/translate"
	"github.com/tjfontaine/warpgate/internal/upstream"
	"github.com/tjfontaine/warpgate/internal/usage"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("warpgate", logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	// Durable cache is optional; everything works from memory without it.
	var cache *sqlite.Store
	if cfg.Storage.Type == "sqlite" && cfg.Storage.SQLite.Path != "" {
		cache, err = sqlite.New(cfg.Storage.SQLite.Path)
		if err != nil {
			log.Fatalf("Failed to open storage: %v", err)
		}
		defer cache.Close()
	}

	mets := metrics.New()

	storeOpts := []credential.StoreOption{credential.WithStoreLogger(logger)}
	if cache != nil {
		storeOpts = append(storeOpts, credential.WithCache(cache))
	}
	credStore := credential.NewStore(storeOpts...)

	acquirer := credential.NewAcquirer(
		cfg.Auth.SignupURL,
		cfg.Auth.ExchangeURL,
		cfg.Auth.GrantURL,
		cfg.Auth.ClientKey,
		credential.WithMaxAttempts(cfg.Auth.MaxAttempts),
		credential.WithAcquirerLogger(logger),
	)
	manager := credential.NewManager(credStore, acquirer,
		credential.WithRefreshBuffer(config.Duration(cfg.Auth.RefreshBuffer, credential.DefaultRefreshBuffer)),
		credential.WithManagerLogger(logger),
	)

	clientOpts := []upstream.ClientOption{upstream.WithLogger(logger)}
	if cfg.Upstream.ClientVersion != "" {
		clientOpts = append(clientOpts, upstream.WithClientVersion(cfg.Upstream.ClientVersion))
	}
	if cfg.Upstream.QuotaURL != "" {
		clientOpts = append(clientOpts, upstream.WithQuotaURL(cfg.Upstream.QuotaURL))
	}
	client := upstream.NewClient(cfg.Upstream.StreamURL, clientOpts...)

	var tracker *usage.Tracker
	if cfg.Upstream.QuotaURL != "" {
		tracker = usage.NewTracker(client, manager,
			usage.WithStaleness(config.Duration(cfg.Usage.Staleness, usage.DefaultStaleness)),
			usage.WithThrottleThreshold(cfg.Usage.ThrottleThreshold),
			usage.WithTrackerLogger(logger),
		)
		if cache != nil {
			if rec, err := cache.LoadUsage(); err == nil && rec != nil {
				tracker.Observe(&upstream.QuotaInfo{
					RequestLimit: rec.RequestLimit,
					RequestsUsed: rec.RequestsUsed,
					ResetsAt:     rec.ResetsAt,
					Unlimited:    rec.Unlimited,
				})
			}
		}
	}

	translator := translate.NewTranslator(
		upstream.ModelConfig{
			Base:     cfg.Models.Defaults.Base,
			Planning: cfg.Models.Defaults.Planning,
			Coding:   cfg.Models.Defaults.Coding,
		},
		translate.WithKnownModels(cfg.Models.KnownModelIDs()),
		translate.WithClientVersion(cfg.Upstream.ClientVersion),
		translate.WithTranslatorLogger(logger),
	)

	handler := server.NewChatHandler(server.ChatHandlerConfig{
		Credentials: manager,
		Streamer:    client,
		Translator:  translator,
		Usage:       tracker,
		Session:     session.New(),
		Estimator:   tokens.NewEstimator(),
		Metrics:     mets,
		Models:      cfg.Models,
		IdleTimeout: config.Duration(cfg.Upstream.IdleTimeout, 30*time.Second),
		Logger:      logger,
	})

	srv := server.New(cfg.Server.Port,
		config.Duration(cfg.Server.RequestTimeout, 300*time.Second), logger)

	srv.Router.Get("/healthz", handler.HandleHealth)
	srv.Router.Get("/", handler.HandleHealth)
	srv.Router.Handle("/metrics", mets.Handler())
	srv.Router.Route("/v1", func(r chi.Router) {
		r.Use(server.APIKeyMiddleware(cfg.Server.APIKey))
		if tracker != nil {
			r.Use(server.QuotaHeadersMiddleware(tracker))
		}
		r.Post("/chat/completions", handler.HandleChatCompletions)
		r.Get("/models", handler.HandleModels)
	})

	scheduler := startScheduler(cfg, logger, manager, tracker, cache, mets)
	defer scheduler.Stop()

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()
	logger.Info("warpgate started", slog.Int("port", cfg.Server.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// startScheduler runs the background jobs: proactive credential refresh,
// usage snapshot warming, and cache persistence.
func startScheduler(cfg *config.Config, logger *slog.Logger, manager *credential.Manager, tracker *usage.Tracker, cache *sqlite.Store, mets *metrics.Metrics) *cron.Cron {
	scheduler := cron.New()

	refreshBuffer := config.Duration(cfg.Auth.RefreshBuffer, credential.DefaultRefreshBuffer)
	// Background refresh uses a wider margin than call-time checks so
	// requests rarely pay the renewal latency.
	proactiveBuffer := 2 * refreshBuffer

	if _, err := scheduler.AddFunc(cfg.Auth.RefreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := manager.RefreshNow(ctx, proactiveBuffer); err != nil {
			mets.CredentialRenewals.WithLabelValues("error").Inc()
			logger.Warn("proactive credential refresh failed", slog.String("error", err.Error()))
			return
		}
		mets.CredentialRenewals.WithLabelValues("ok").Inc()
	}); err != nil {
		logger.Warn("invalid refresh schedule", slog.String("error", err.Error()))
	}

	if tracker != nil && cfg.Usage.WarmSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.Usage.WarmSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			snap, err := tracker.Snapshot(ctx)
			if err != nil {
				logger.Warn("usage warm failed", slog.String("error", err.Error()))
				return
			}
			if cache != nil && !snap.Stale {
				if err := cache.SaveUsage(sqlite.UsageRecord{
					RequestLimit: snap.Limit,
					RequestsUsed: snap.Used,
					ResetsAt:     snap.ResetsAt,
					Unlimited:    snap.Unlimited,
					FetchedAt:    snap.FetchedAt,
				}); err != nil {
					logger.Warn("usage persist failed", slog.String("error", err.Error()))
				}
			}
		}); err != nil {
			logger.Warn("invalid usage warm schedule", slog.String("error", err.Error()))
		}
	}

	scheduler.Start()
	return scheduler
}
