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
	"time"

	"github.com/joho/godotenv"

	"github.com/relayq/relayq/internal/config"
	"github.com/relayq/relayq/internal/model"
	"github.com/relayq/relayq/internal/worker"
	"github.com/relayq/relayq/shared/logger"
	"github.com/relayq/relayq/shared/rabbitmq"
	"github.com/relayq/relayq/shared/redis"
	"github.com/relayq/relayq/shared/sqlite"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", cfg.Worker.ID),
	)

	// Initialize the local durable store
	dbClient, err := initSQLite(&cfg.Outbox, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize local store: %w", err)
	}

	// Initialize Redis client
	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	defer func() {
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		if redisClient != nil {
			redisClient.Close()
		}
		if dbClient != nil {
			dbClient.Close()
		}
	}()

	// Register the job types this instance executes
	registry := worker.NewRegistry()
	if err := registerJobHandlers(registry); err != nil {
		return fmt.Errorf("failed to register job handlers: %w", err)
	}

	// Assemble the worker
	workerInstance, err := worker.New(worker.Options{
		Config:   cfg,
		Logger:   appLogger.Logger,
		Rabbit:   rabbitClient,
		Redis:    redisClient.Universal(),
		DB:       dbClient.GetDB(),
		DBHealth: dbClient.HealthCheck,
		Registry: registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
			return err
		}
		appLogger.Info("Worker stopped on its own")
		return nil
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	select {
	case err := <-errChan:
		if err != nil {
			appLogger.Warn("Worker stopped with error",
				slog.Any("error", err),
			)
		} else {
			appLogger.Info("Worker stopped gracefully")
		}
	case <-time.After(cfg.Worker.ShutdownTimeout.Std()):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// registerJobHandlers is the assembly point for this instance's job types.
// Deployments add their handlers here; the two built-ins below are smoke-test
// jobs for verifying a deployment end to end.
func registerJobHandlers(registry *worker.Registry) error {
	if err := registry.Register(worker.Definition{
		JobType: "echo",
		Handler: worker.HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			return map[string]any{"echoed": job.JobData}, nil
		}),
	}); err != nil {
		return err
	}

	return registry.Register(worker.Definition{
		JobType:       "sleep",
		DataPrototype: sleepPayload{},
		Handler: worker.HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			var payload sleepPayload
			if len(job.JobData) > 0 {
				if err := json.Unmarshal(job.JobData, &payload); err != nil {
					return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
				}
			}

			duration := time.Second
			if payload.Duration != "" {
				parsed, err := time.ParseDuration(payload.Duration)
				if err != nil {
					return nil, model.Permanent(fmt.Errorf("invalid sleep duration %q: %w", payload.Duration, err))
				}
				duration = parsed
			}

			select {
			case <-time.After(duration):
				return map[string]any{"slept": duration.String()}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	})
}

type sleepPayload struct {
	Duration string `json:"duration,omitempty"`
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initSQLite opens the worker's local durable store
func initSQLite(cfg *config.OutboxConfig, logger *slog.Logger) (*sqlite.Client, error) {
	return sqlite.NewClient(&sqlite.Config{
		Path: cfg.Path,
	}, logger)
}

// initRedis initializes the Redis client
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout.Std(),
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		VHost:         cfg.VHost,
		RetryAttempts: cfg.Connection.RetryAttempts,
		RetryInterval: cfg.Connection.RetryInterval.Std(),
		Heartbeat:     cfg.Connection.Heartbeat.Std(),
		DialTimeout:   cfg.Connection.DialTimeout.Std(),
		LockTimeout:   cfg.Connection.LockTimeout.Std(),
	}, logger)
}
