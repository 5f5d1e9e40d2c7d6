package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lumenhq/pulse/internal/api"
	"github.com/lumenhq/pulse/internal/circuitbreaker"
	"github.com/lumenhq/pulse/internal/config"
	"github.com/lumenhq/pulse/internal/db"
	"github.com/lumenhq/pulse/internal/delivery"
	"github.com/lumenhq/pulse/internal/gateway"
	"github.com/lumenhq/pulse/internal/metrics"
	"github.com/lumenhq/pulse/internal/observ"
	"github.com/lumenhq/pulse/internal/presence"
	"github.com/lumenhq/pulse/internal/ratelimit"
	"github.com/lumenhq/pulse/internal/redis"
	"github.com/lumenhq/pulse/internal/router"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pulse gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Initialize Redis for dedup, idempotency, rate limiting, and the
	// cross-instance broadcast bus. The process runs without it, degraded
	// to single-instance presence and constraint-backed dedup.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, running single-instance with degraded dedup",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyStore *redis.IdempotencyStore
	var httpLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyStore = redis.NewIdempotencyStore(redisClient, logger)
		httpLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per user
		})
		defer redisClient.Close()
	}

	bus := redis.NewBus(redisClient, logger)
	directory := presence.New(logger)

	socketLimiter := ratelimit.New(ratelimit.Config{
		Burst:     cfg.SocketRateBurst,
		PerSecond: cfg.SocketRatePerSec,
	}, logger)

	verifier := gateway.NewJWTVerifier(cfg.JWTSecret)

	gw := gateway.New(gateway.Config{
		InstanceID:        cfg.InstanceID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReplayWindow:      cfg.ReplayWindow,
	}, verifier, bus, directory, socketLimiter, repo, logger)

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()

	if err := gw.Start(busCtx); err != nil {
		if !errors.Is(err, redis.ErrBusUnavailable) {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
		logger.Warn("broadcast bus unavailable, presence is process-local")
	}

	// Delivery providers, each behind its own circuit breaker. Development
	// runs log-only senders so the pipeline works without AWS credentials.
	breakers := circuitbreaker.NewRegistry()

	emailBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger)
	pushBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("push"), logger)
	breakers.Register(emailBreaker)
	breakers.Register(pushBreaker)

	var emailSender, pushSender delivery.Sender
	if cfg.Env == "development" {
		emailSender = delivery.NewLogSender(logger, db.ChannelEmail)
		pushSender = delivery.NewLogSender(logger, db.ChannelPush)
	} else {
		emailSender, err = delivery.NewEmailSender(ctx, delivery.EmailConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create email sender: %w", err)
		}

		pushSender, err = delivery.NewPushSender(ctx, delivery.PushConfig{
			Region: cfg.SNSRegion,
		}, logger)
		if err != nil {
			logger.Warn("push sender unavailable, push deliveries will fail over to retry",
				zap.Error(err),
			)
			pushSender = delivery.NewLogSender(logger, db.ChannelPush)
		}
	}

	sender := delivery.NewMultiSender(logger,
		delivery.NewProtectedSender(emailSender, emailBreaker, logger),
		delivery.NewProtectedSender(pushSender, pushBreaker, logger),
	)

	// Delivery queue: durable SQS when configured, in-process otherwise.
	var queue delivery.Queue
	if cfg.SQSQueueURL != "" {
		sqsQueue, err := delivery.NewSQSQueue(ctx, delivery.SQSConfig{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs queue: %w", err)
		}
		queue = sqsQueue
	} else {
		queue = delivery.NewMemoryQueue(0)
	}

	pool := delivery.NewPool(queue, repo, idempotencyStore, sender, delivery.Config{
		Workers:  cfg.DeliveryWorkers,
		MaxTries: cfg.DeliveryMaxTries,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	pool.Start(workerCtx)

	// Keep the circuit gauge fresh for dashboards.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				metrics.SetCircuitState("email", int(emailBreaker.GetState()))
				metrics.SetCircuitState("push", int(pushBreaker.GetState()))
			}
		}
	}()

	eventRouter := router.New(repo, idempotencyStore, directory, gw, queue, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Custom logging middleware
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

	handler := api.NewHandler(logger, repo, eventRouter, breakers, gw)

	// Websocket handshake; auth happens inside via the token query param.
	r.Get("/ws", gw.HandleWS)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(api.AuthMiddleware(verifier, logger))
		r.Use(api.RateLimitMiddleware(httpLimiter, logger, api.UserKeyFunc))

		r.Post("/events", handler.IngestEvent)

		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/unread-count", handler.UnreadCount)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Get("/notifications/{id}/attempts", handler.ListNotificationAttempts)
		r.Post("/notifications/{id}/read", handler.MarkNotificationRead)

		r.Get("/preferences/{type}", handler.GetPreference)
		r.Put("/preferences/{type}", handler.UpdatePreference)

		r.Get("/status", handler.Status)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		workerCancel()
		pool.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}
