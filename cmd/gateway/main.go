package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/alert"
	"github.com/switchboardhq/switchboard/internal/api"
	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/dispatch"
	"github.com/switchboardhq/switchboard/internal/events"
	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/internal/normalize"
	"github.com/switchboardhq/switchboard/internal/observ"
	"github.com/switchboardhq/switchboard/internal/redis"
	"github.com/switchboardhq/switchboard/internal/resolver"
	"github.com/switchboardhq/switchboard/internal/spool"
	"github.com/switchboardhq/switchboard/internal/token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting switchboard gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	store := db.NewStore(database, logger)

	// Redis backs the resolver cache, dispatch idempotency and rate
	// limiting; the gateway still runs without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, caching and idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Events publisher is optional; a nil publisher is a no-op.
	var publisher *events.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = events.New(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Warn("amqp unavailable, event publishing disabled", zap.Error(err))
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	res := resolver.New(store, redisClient, logger)
	pipeline := normalize.NewPipeline(store, publisher, logger)
	tokens := token.NewManager(store, token.Config{
		Endpoint: cfg.OAuthTokenEndpoint,
	}, logger)

	registry := channel.NewRegistry()
	manager := newChannelManager(cfg, store, registry, pipeline, res, tokens, logger)
	if err := manager.ConnectAll(ctx); err != nil {
		return err
	}

	// Webhook spool, enabled when a queue URL is configured.
	var spoolProducer *spool.Producer
	var spoolConsumer *spool.Consumer
	if cfg.SQSQueueURL != "" {
		spoolCfg := spool.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL}
		spoolProducer, err = spool.NewProducer(ctx, spoolCfg, logger)
		if err != nil {
			logger.Warn("spool producer unavailable, webhooks processed inline", zap.Error(err))
			spoolProducer = nil
		} else {
			spoolConsumer, err = spool.NewConsumer(ctx, spoolCfg, registry, logger)
			if err != nil {
				logger.Warn("spool consumer unavailable", zap.Error(err))
				spoolConsumer = nil
			}
		}
	}

	// Alerting: SNS topic when configured, structured log otherwise.
	var notifier alert.Notifier
	if cfg.AlertTopicARN != "" {
		snsNotifier, err := alert.NewSNSNotifier(ctx, cfg.AlertTopicARN, cfg.SNSRegion, logger)
		if err != nil {
			logger.Warn("sns unavailable, alerts fall back to log", zap.Error(err))
			notifier = &alert.LogNotifier{Logger: logger}
		} else {
			notifier = snsNotifier
		}
	} else {
		notifier = &alert.LogNotifier{Logger: logger}
	}

	engine := dispatch.New(store, registry, pipeline, notifier, publisher, dispatch.Config{
		PollInterval:   cfg.DispatchPollInterval,
		BatchSize:      cfg.DispatchBatchSize,
		SendDelay:      cfg.DispatchSendDelay,
		AlertThreshold: cfg.DispatchAlertThreshold,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go engine.Start(workerCtx)
	go manager.pollMailboxes(workerCtx, cfg.MailboxPollInterval)
	if spoolConsumer != nil {
		go spoolConsumer.Run(workerCtx)
	}

	// Export connection pool gauges.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				metrics.SetDBConnections(int(database.Pool().Stat().TotalConns()))
				if redisClient != nil {
					metrics.SetRedisConnections(int(redisClient.PoolStats().TotalConns))
				}
			}
		}
	}()

	logger.Info("background workers started",
		zap.Bool("spool_enabled", spoolConsumer != nil),
		zap.Bool("events_enabled", publisher != nil),
	)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	webhooks := api.NewWebhookHandler(registry, spoolProducer, logger)
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/bot/{token}", webhooks.VerifyBot)
		r.Post("/bot/{token}", webhooks.ReceiveBot)
		r.Get("/{channelType}", webhooks.Verify)
		r.Post("/{channelType}", webhooks.Receive)
	})

	handler := api.NewHandler(logger, store, registry, manager, idempotencyService)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.AccountKeyFunc))

		r.Post("/channels", handler.ConnectChannel)
		r.Post("/channels/{id}/validate", handler.ValidateChannel)
		r.Delete("/channels/{id}", handler.DisconnectChannel)
		r.Get("/channels/{id}/asset", handler.GetChannelAsset)

		r.Get("/conversations", handler.ListConversations)
		r.Get("/conversations/{id}/messages", handler.ListMessages)

		r.Post("/dispatches", handler.CreateDispatch)
		r.Get("/dispatches", handler.ListDispatches)
		r.Get("/dispatches/{id}", handler.GetDispatch)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
