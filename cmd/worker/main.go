// Worker runs the queue worker pool: it claims pending jobs from Postgres and
// dispatches them to the registered handlers until SIGINT/SIGTERM.
// Set DATABASE_URL; KAFKA_BROKERS and OTEL_EXPORTER_OTLP_ENDPOINT are optional.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"beacon-messaging/backend/internal/audit"
	auditproducer "beacon-messaging/backend/internal/audit/producer"
	"beacon-messaging/backend/internal/config"
	"beacon-messaging/backend/internal/db"
	eventrepo "beacon-messaging/backend/internal/event/repository"
	"beacon-messaging/backend/internal/jobs"
	"beacon-messaging/backend/internal/list"
	listrepo "beacon-messaging/backend/internal/list/repository"
	"beacon-messaging/backend/internal/logging"
	"beacon-messaging/backend/internal/queue"
	queuerepo "beacon-messaging/backend/internal/queue/repository"
	"beacon-messaging/backend/internal/sender"
	"beacon-messaging/backend/internal/telemetry/otel"
	templaterepo "beacon-messaging/backend/internal/template/repository"
	userrepo "beacon-messaging/backend/internal/user/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("worker: DATABASE_URL is required")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "beacon-worker", cfg.OTLPInsecure)
	if err != nil {
		logger.Fatal("otel setup", zap.Error(err))
	}

	var emitter audit.Emitter
	producer := auditproducer.NewKafkaProducer(cfg.AuditKafkaBrokersList(), cfg.AuditKafkaTopic)
	if producer != nil {
		emitter = producer
		defer func() { _ = producer.Close() }()
		logger.Info("audit streaming enabled", zap.String("topic", cfg.AuditKafkaTopic))
	}

	users := userrepo.NewPostgresRepository(database)
	events := eventrepo.NewPostgresRepository(database)
	templates := templaterepo.NewPostgresRepository(database)
	lists := listrepo.NewPostgresRepository(database)
	listService := list.NewService(lists, events, logger)

	q := queue.New(queuerepo.NewPostgresRepository(database), queue.Config{
		Concurrency:       cfg.WorkerConcurrency,
		JobTimeout:        cfg.Timeout(),
		PollInterval:      cfg.PollInterval(),
		VisibilityTimeout: cfg.VisibilityTimeout(),
		MaxAttempts:       cfg.QueueMaxAttempts,
		BackoffBase:       cfg.BackoffBase(),
		BackoffCap:        cfg.BackoffCap(),
	}, logger, emitter)

	// Registration happens once at startup; a duplicate kind is a config bug.
	mail := &sender.LogSender{Logger: logger}
	if err := q.Register(jobs.KindEmail, jobs.NewEmailHandler(users, events, templates, mail, logger)); err != nil {
		logger.Fatal("register email handler", zap.Error(err))
	}
	if err := q.Register(jobs.KindUserPatch, jobs.NewUserPatchHandler(users, listService, logger)); err != nil {
		logger.Fatal("register user_patch handler", zap.Error(err))
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Info("worker: shutting down...")
		cancel()
	}()

	q.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
	logger.Info("worker stopped")
}
