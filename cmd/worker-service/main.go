package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lexatlas/contentgen/internal/config"
	"github.com/lexatlas/contentgen/internal/domain"
	"github.com/lexatlas/contentgen/internal/genai"
	"github.com/lexatlas/contentgen/internal/pipeline"
	"github.com/lexatlas/contentgen/internal/scheduler"
	"github.com/lexatlas/contentgen/internal/store"
	"github.com/lexatlas/contentgen/internal/worker"
	"github.com/lexatlas/contentgen/shared/logger"
	"github.com/lexatlas/contentgen/shared/postgresql"
	"github.com/lexatlas/contentgen/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger := initLogger(&cfg.Logging)

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	jobStore := store.NewPostgres(dbClient.DB(), appLogger.Logger)

	generator, err := genai.NewClient(genai.Config{
		BaseURL:       cfg.Generation.BaseURL,
		APIKey:        cfg.Generation.APIKey(),
		Model:         cfg.Generation.Model,
		Temperature:   cfg.Generation.Temperature,
		MaxRetries:    cfg.Generation.MaxRetries,
		RetryInterval: cfg.Generation.RetryInterval,
		Timeout:       cfg.Generation.Timeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize generation client: %w", err)
	}

	// Jobs started by this worker's own scheduler (queue drain, retry
	// re-entry) go back through the broker like any other start.
	dispatcher := scheduler.DispatchFunc(func(ctx context.Context, jobID string) error {
		body, err := json.Marshal(domain.StartMessage{JobID: jobID})
		if err != nil {
			return fmt.Errorf("marshal start message: %w", err)
		}
		return rabbitClient.Publish(ctx, body, "application/json")
	})

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentPerSubject: cfg.Generation.MaxConcurrentPerSubject,
		MaxAttempts:             cfg.Generation.MaxAttempts,
		WatchdogTimeout:         cfg.Generation.WatchdogTimeout,
		MinTotalUnits:           cfg.Generation.MinTotalUnits,
	}, jobStore, dispatcher, appLogger.Logger)

	builder := pipeline.NewBuilder(pipeline.Config{
		MinSections:        cfg.Generation.MinSections,
		MinTotalUnits:      cfg.Generation.MinTotalUnits,
		MaxAttempts:        cfg.Generation.MaxAttempts,
		DrillQuestionCount: cfg.Generation.DrillQuestionCount,
		FlashcardCount:     cfg.Generation.FlashcardCount,
		GlossaryCount:      cfg.Generation.GlossaryCount,
		OutlineMaxTokens:   cfg.Generation.OutlineMaxTokens,
		SectionMaxTokens:   cfg.Generation.SectionMaxTokens,
		ExtrasMaxTokens:    cfg.Generation.ExtrasMaxTokens,
		SynthesisMaxTokens: cfg.Generation.SynthesisMaxTokens,
	}, jobStore, generator, sched, appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		RabbitClient:  rabbitClient,
		Builder:       builder,
		Scheduler:     sched,
		Concurrency:   cfg.Worker.Concurrency,
		SweepInterval: cfg.Worker.SweepInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	dbClient.Close()
	rabbitClient.Close()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) *logger.Logger {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableCaller: cfg.EnableCaller,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		ConsumerAutoAck:    cfg.Consumer.AutoAck,
		ConsumerExclusive:  cfg.Consumer.Exclusive,
	}, logger)
}
