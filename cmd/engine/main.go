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
	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/api"
	"github.com/rahulvn/vigil/internal/circuitbreaker"
	"github.com/rahulvn/vigil/internal/config"
	"github.com/rahulvn/vigil/internal/db"
	"github.com/rahulvn/vigil/internal/events"
	"github.com/rahulvn/vigil/internal/gateway"
	"github.com/rahulvn/vigil/internal/ledger"
	"github.com/rahulvn/vigil/internal/metrics"
	"github.com/rahulvn/vigil/internal/observ"
	"github.com/rahulvn/vigil/internal/redis"
	"github.com/rahulvn/vigil/internal/registry"
	"github.com/rahulvn/vigil/internal/reporting"
	"github.com/rahulvn/vigil/internal/scheduler"
	"github.com/rahulvn/vigil/internal/store/postgres"
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

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting vigil engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
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

	st := postgres.New(database, logger)

	// Initialize Redis for detection dedup and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, detection dedup disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per client
		})
		defer redisClient.Close()
	}

	// Initialize SQS event publisher
	var publisher *events.Publisher
	if cfg.SQSQueueURL != "" {
		publisher, err = events.NewPublisher(ctx, events.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs publisher unavailable, events will not be emitted",
				zap.Error(err),
			)
		}
	}

	// Delivery channels, each behind its own circuit breaker
	sesSender, err := gateway.NewSESSender(ctx, gateway.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}
	emailSender := circuitbreaker.NewProtectedSender(sesSender,
		circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger)

	var senders []gateway.Sender
	senders = append(senders, emailSender)

	snsSender, err := gateway.NewSNSSender(ctx, gateway.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS notifications disabled",
			zap.Error(err),
		)
	} else {
		senders = append(senders, circuitbreaker.NewProtectedSender(snsSender,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger))
	}

	sender := gateway.NewMultiSender(logger, senders...)

	logger.Info("initialized delivery channels",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", len(senders) > 1),
	)

	// Lifecycle services
	reg := registry.New(st, registry.Config{
		PaymentDuePeriod: cfg.PaymentDuePeriod,
	}, logger)

	sched := scheduler.New(st, sender, scheduler.Config{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		LeaseTTL:   cfg.LeaseTTL,
	}, logger)

	led := ledger.New(st, sched, ledger.Config{
		AllowPartialPayments: cfg.AllowPartialPayments,
	}, logger)

	rep := reporting.New(st, logger)

	// Background sweeps
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()

	notificationSweeper := scheduler.NewSweeper(sched, st, scheduler.SweepConfig{
		PollInterval:    cfg.SweepInterval,
		BatchSize:       cfg.SweepBatchSize,
		Workers:         cfg.SweepWorkers,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, logger)
	go notificationSweeper.Start(sweepCtx)

	overdueSweeper := ledger.NewOverdueSweeper(st, cfg.OverdueSweepInterval, logger)
	go overdueSweeper.Start(sweepCtx)

	logger.Info("background sweeps started",
		zap.Duration("notification_interval", cfg.SweepInterval),
		zap.Duration("overdue_interval", cfg.OverdueSweepInterval),
	)

	// Connection gauges
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				metrics.SetDBConnections(database.AcquiredConns())
				if redisClient != nil {
					metrics.SetRedisConnections(redisClient.ActiveConnections())
				}
			}
		}
	}()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
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

	// API routes
	handler := api.NewHandler(logger, reg, sched, led, rep, idempotencyService, publisher, cfg.DeliveryTimeout)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))

		r.Post("/detections", handler.IngestDetection)

		r.Put("/parties/{plate}", handler.UpsertParty)
		r.Get("/parties/{plate}", handler.GetParty)

		r.Get("/violations", handler.ListViolations)
		r.Get("/violations/{id}", handler.GetViolation)
		r.Post("/violations/{id}/processed", handler.MarkViolationProcessed)
		r.Get("/violations/{id}/summary", handler.GetViolationSummary)
		r.Get("/violations/{id}/payments", handler.ListViolationPayments)

		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications/abandoned", handler.ListAbandonedNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Post("/notifications/{id}/attempt", handler.AttemptDelivery)

		r.Post("/payments", handler.CreatePayment)
		r.Get("/payments/{id}", handler.GetPayment)
		r.Post("/payments/{id}/settle", handler.SettlePayment)
		r.Post("/payments/{id}/refund", handler.RefundPayment)

		r.Post("/reminders", handler.CreateReminder)

		r.Get("/stats", handler.GetStatistics)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
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

		// Stop sweeps first so in-flight claims are released
		sweepCancel()

		// Give outstanding requests 10 seconds to complete
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
