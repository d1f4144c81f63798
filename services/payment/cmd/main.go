package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kyungseok/seminar-payments-go/common/idempotency"
	"github.com/kyungseok/seminar-payments-go/common/logger"
	"github.com/kyungseok/seminar-payments-go/common/messaging"
	"github.com/kyungseok/seminar-payments-go/common/retry"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/auth"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/config"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/handler"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/metrics"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/provider"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/repository"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/service"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/worker"
)

func main() {
	cfg := config.Load()

	// Logger 초기화
	log, err := logger.NewLogger("seminar-payments", cfg.LogDevelopment)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if cfg.ProviderCallbackSecret == "" {
		log.Warn("PROVIDER_CALLBACK_SECRET is empty, provider callbacks will be rejected")
	}
	if cfg.AppToken == "" {
		log.Warn("APP_TOKEN is empty, public payment endpoints will reject every request")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL 연결
	db, err := sql.Open("postgres", cfg.DBDSN)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := retry.Do(ctx, retry.DefaultConfig(), log, func() error { return db.PingContext(ctx) }); err != nil {
		log.Fatal("failed to ping database", zap.Error(err))
	}
	log.Info("connected to database")

	// Redis 연결
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer redisClient.Close()

	if err := retry.Do(ctx, retry.DefaultConfig(), log, func() error { return redisClient.Ping(ctx).Err() }); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	log.Info("connected to redis")

	// Kafka Producer 초기화
	publisher, err := messaging.NewKafkaPublisher(cfg.KafkaBrokers, log)
	if err != nil {
		log.Fatal("failed to create kafka publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Repository 초기화
	txRunner := repository.NewTxRunner(db)
	paymentRepo := repository.NewPaymentRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	seminarRepo := repository.NewSeminarRepository(db)
	registrationRepo := repository.NewRegistrationRepository(db)
	newsletterRepo := repository.NewNewsletterRepository(db)

	m := metrics.New()
	providerClient := provider.NewHTTPClient(provider.Config{
		BaseURL: cfg.ProviderBaseURL,
		APIKey:  cfg.ProviderAPIKey,
		Timeout: cfg.ProviderTimeout,
	})

	// Service 초기화
	paymentService := service.NewPaymentService(
		txRunner,
		paymentRepo,
		outboxRepo,
		providerClient,
		idempotency.NewRedisStore(redisClient, "seminar-payments:callbacks"),
		m,
		log.Named("payments"),
		service.PaymentConfig{ProviderTimeout: cfg.ProviderTimeout},
	)
	seminarService := service.NewSeminarService(seminarRepo, log.Named("seminars"))
	registrationService := service.NewRegistrationService(txRunner, registrationRepo, seminarRepo, outboxRepo, log.Named("registrations"))
	newsletterService := service.NewNewsletterService(newsletterRepo, log.Named("newsletter"))

	// Kafka Consumer 초기화
	consumer, err := messaging.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, log)
	if err != nil {
		log.Fatal("failed to create kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	eventHandler := handler.NewEventHandler(
		registrationService,
		idempotency.NewRedisStore(redisClient, "seminar-payments:events"),
		log.Named("events"),
	)
	if err := consumer.Subscribe(ctx, handler.SubscribedTopics, eventHandler.HandleMessage); err != nil {
		log.Fatal("failed to subscribe to topics", zap.Error(err))
	}
	log.Info("subscribed to kafka topics", zap.Strings("topics", handler.SubscribedTopics))

	// Outbox Worker 시작
	outboxWorker := worker.NewOutboxWorker(outboxRepo, publisher, m, log.Named("outbox"), cfg.OutboxInterval)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		outboxWorker.Start(ctx)
	}()

	// HTTP Server 시작
	guard := auth.NewGuard(auth.Config{
		Secret:            cfg.AdminJWTSecret,
		AdminEmail:        cfg.AdminEmail,
		AdminPasswordHash: cfg.AdminPasswordHash,
		TokenTTL:          cfg.AdminTokenTTL,
		SecureCookie:      cfg.SecureCookie,
	})
	httpHandler := handler.NewHTTPHandler(handler.Services{
		Payments:      paymentService,
		Seminars:      seminarService,
		Registrations: registrationService,
		Newsletter:    newsletterService,
	}, guard, m, handler.Options{
		AppToken:       cfg.AppToken,
		CallbackSecret: cfg.ProviderCallbackSecret,
	}, log.Named("http"))

	server := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           httpHandler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server starting", zap.String("port", cfg.ServicePort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	cancel() // outbox worker, consumer 종료
	<-workerDone
	log.Info("server stopped")
}
