package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/cache"
	"github.com/relayq/relayq/internal/cancel"
	"github.com/relayq/relayq/internal/config"
	"github.com/relayq/relayq/internal/model"
	"github.com/relayq/relayq/internal/mq"
	"github.com/relayq/relayq/internal/outbox"
	"github.com/relayq/relayq/shared/logger"
	"github.com/relayq/relayq/shared/rabbitmq"
	"github.com/relayq/relayq/shared/redis"
	"github.com/relayq/relayq/shared/sqlite"
)

var (
	cfg       *config.Config
	appLogger *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Operations CLI for the RelayQ job platform",
	Long: `relayctl publishes jobs, requests cancellations, and inspects job
state directly against the platform's infrastructure, without going
through a scheduler.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		appLogger, err = initLogger(&cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		return nil
	},
}

var (
	publishType          string
	publishData          string
	publishID            string
	publishCorrelationID string
	publishPattern       string
	publishAffinity      string
	publishExecuteAt     string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a single job to the jobs exchange",
	RunE: func(cmd *cobra.Command, args []string) error {
		if publishType == "" {
			return errors.New("--type is required")
		}
		if err := cfg.ValidateCtlConfig(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		job := &model.JobMessage{
			ID:             publishID,
			JobType:        publishType,
			ExecuteAt:      time.Now().UTC(),
			RoutingPattern: publishPattern,
			WorkerAffinity: publishAffinity,
		}
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if publishData != "" {
			if !json.Valid([]byte(publishData)) {
				return errors.New("--data is not valid JSON")
			}
			job.JobData = json.RawMessage(publishData)
		}
		if publishExecuteAt != "" {
			executeAt, err := time.Parse(time.RFC3339, publishExecuteAt)
			if err != nil {
				return fmt.Errorf("invalid --execute-at: %w", err)
			}
			job.ExecuteAt = executeAt
		}

		correlationID := publishCorrelationID
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		if err := mq.DeclarePublishTopology(rabbitClient); err != nil {
			return fmt.Errorf("failed to declare topology: %w", err)
		}

		publisher := mq.NewJobPublisher(rabbitClient, appLogger.Logger)
		if !publisher.Publish(cmd.Context(), job, correlationID) {
			return fmt.Errorf("publish failed for job %s", job.ID)
		}

		fmt.Printf("Job published: %s\n", job.ID)
		fmt.Printf("  routing key:    %s\n", mq.RoutingKeyFor(job.JobType, job.RoutingPattern, job.WorkerAffinity))
		fmt.Printf("  correlation id: %s\n", correlationID)
		return nil
	},
}

var dispatchFile string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Publish a batch of jobs from a JSON file",
	Long: `Reads a JSON array of job messages and publishes each one with a fresh
correlation id. Jobs without an id get one minted. Failed publishes are
logged and skipped so one bad job does not block the rest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dispatchFile == "" {
			return errors.New("--file is required")
		}
		if err := cfg.ValidateCtlConfig(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		raw, err := os.ReadFile(dispatchFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", dispatchFile, err)
		}

		var jobs []*model.JobMessage
		if err := json.Unmarshal(raw, &jobs); err != nil {
			return fmt.Errorf("failed to parse %s: %w", dispatchFile, err)
		}
		if len(jobs) == 0 {
			return fmt.Errorf("%s contains no jobs", dispatchFile)
		}

		queued := make([]mq.QueuedJob, 0, len(jobs))
		for i, job := range jobs {
			if job.JobType == "" {
				return fmt.Errorf("job %d has no jobType", i)
			}
			if job.ID == "" {
				job.ID = uuid.NewString()
			}
			if job.ExecuteAt.IsZero() {
				job.ExecuteAt = time.Now().UTC()
			}
			queued = append(queued, mq.QueuedJob{Job: job, CorrelationID: uuid.NewString()})
		}

		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		if err := mq.DeclarePublishTopology(rabbitClient); err != nil {
			return fmt.Errorf("failed to declare topology: %w", err)
		}

		publisher := mq.NewJobPublisher(rabbitClient, appLogger.Logger)
		published := publisher.PublishBatch(cmd.Context(), queued)

		fmt.Printf("Published %d/%d jobs\n", published, len(queued))
		if published == 0 {
			return fmt.Errorf("all %d publishes failed", len(queued))
		}
		return nil
	},
}

var (
	cancelCorrelationID string
	cancelJobID         string
	cancelReason        string
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Broadcast a cancellation request for a running job",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cancelCorrelationID == "" {
			return errors.New("--correlation-id is required")
		}
		if cfg.Redis.Addr == "" {
			return errors.New("redis addr is required in the config")
		}

		redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()

		publisher := cancel.NewPublisher(redisClient.Universal(), mq.CancelChannel, appLogger.Logger)
		req := model.CancellationRequest{
			CorrelationID: cancelCorrelationID,
			JobID:         cancelJobID,
			Reason:        cancelReason,
		}
		if err := publisher.RequestCancel(cmd.Context(), req); err != nil {
			return fmt.Errorf("failed to request cancellation: %w", err)
		}

		fmt.Printf("Cancellation requested for %s\n", cancelCorrelationID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status correlation-id",
	Short: "Show the cached status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Redis.Addr == "" {
			return errors.New("redis addr is required in the config")
		}

		redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()

		statusCache := cache.NewRedisStatusCache(redisClient.Universal(), cfg.Cache.KeyPrefix, cfg.Cache.StatusTTL.Std())
		update, err := statusCache.GetStatus(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to read status: %w", err)
		}
		if update == nil {
			fmt.Printf("No cached status for %s\n", args[0])
			return nil
		}

		out, err := json.MarshalIndent(update, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to render status: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

var (
	outboxDB    string
	outboxLimit int
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect a worker's local outbox database",
}

var outboxPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List status updates and logs awaiting sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := store.CollectStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to collect stats: %w", err)
		}
		fmt.Printf("Pending status updates: %d\n", stats.PendingStatusUpdates)
		fmt.Printf("Pending logs:           %d\n", stats.PendingLogs)

		statuses, err := store.PendingStatusUpdates(cmd.Context(), outboxLimit)
		if err != nil {
			return fmt.Errorf("failed to list status updates: %w", err)
		}
		if len(statuses) > 0 {
			fmt.Println()
			fmt.Printf("%-38s %-12s %-9s %s\n", "CORRELATION", "STATUS", "ATTEMPTS", "AGE")
			for _, record := range statuses {
				fmt.Printf("%-38s %-12s %-9d %s\n",
					record.CorrelationID, record.Status, record.SyncAttempts,
					time.Since(record.CreatedAt).Round(time.Second))
			}
		}

		logs, err := store.PendingLogs(cmd.Context(), outboxLimit)
		if err != nil {
			return fmt.Errorf("failed to list logs: %w", err)
		}
		if len(logs) > 0 {
			fmt.Println()
			fmt.Printf("%-38s %-9s %s\n", "CORRELATION", "LEVEL", "MESSAGE")
			for _, record := range logs {
				message := record.Message
				if len(message) > 60 {
					message = message[:57] + "..."
				}
				fmt.Printf("%-38s %-9s %s\n", record.CorrelationID, record.Level, message)
			}
		}
		return nil
	},
}

var outboxExecutionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "List recent job executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		executions, err := store.ListExecutions(cmd.Context(), outboxLimit)
		if err != nil {
			return fmt.Errorf("failed to list executions: %w", err)
		}
		if len(executions) == 0 {
			fmt.Println("No executions recorded")
			return nil
		}

		fmt.Printf("%-38s %-20s %-12s %s\n", "CORRELATION", "TYPE", "STATUS", "STARTED")
		for _, record := range executions {
			status := "running"
			if record.FinalStatus != nil {
				status = *record.FinalStatus
			}
			fmt.Printf("%-38s %-20s %-12s %s\n",
				record.CorrelationID, record.JobType, status,
				record.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	// Load .env before the flag defaults below are computed
	_ = godotenv.Load()

	defaultConfigPath := os.Getenv("RELAYCTL_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to configuration file")

	publishCmd.Flags().StringVar(&publishType, "type", "", "Job type to publish (required)")
	publishCmd.Flags().StringVar(&publishData, "data", "", "Job payload as a JSON document")
	publishCmd.Flags().StringVar(&publishID, "id", "", "Job id (minted when empty)")
	publishCmd.Flags().StringVar(&publishCorrelationID, "correlation-id", "", "Correlation id (minted when empty)")
	publishCmd.Flags().StringVar(&publishPattern, "pattern", "", "Explicit routing pattern, overrides affinity")
	publishCmd.Flags().StringVar(&publishAffinity, "affinity", "", "Worker affinity used to derive the routing key")
	publishCmd.Flags().StringVar(&publishExecuteAt, "execute-at", "", "Scheduled execution time, RFC 3339")
	rootCmd.AddCommand(publishCmd)

	dispatchCmd.Flags().StringVar(&dispatchFile, "file", "", "Path to a JSON array of job messages (required)")
	rootCmd.AddCommand(dispatchCmd)

	cancelCmd.Flags().StringVar(&cancelCorrelationID, "correlation-id", "", "Correlation id of the job to cancel (required)")
	cancelCmd.Flags().StringVar(&cancelJobID, "job-id", "", "Job id, informational")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "Reason recorded with the cancellation")
	rootCmd.AddCommand(cancelCmd)

	rootCmd.AddCommand(statusCmd)

	outboxCmd.PersistentFlags().StringVar(&outboxDB, "db", "", "Path to the outbox database (defaults to outbox.path from the config)")
	outboxCmd.PersistentFlags().IntVar(&outboxLimit, "limit", 20, "Maximum rows to list")
	outboxCmd.AddCommand(outboxPendingCmd)
	outboxCmd.AddCommand(outboxExecutionsCmd)
	rootCmd.AddCommand(outboxCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the outbox database for the inspection commands. The
// returned cleanup closes the underlying connection.
func openStore() (*outbox.Store, func(), error) {
	path := outboxDB
	if path == "" {
		path = cfg.Outbox.Path
	}
	if path == "" {
		return nil, nil, errors.New("no outbox database path, set --db or outbox.path in the config")
	}

	dbClient, err := sqlite.NewClient(&sqlite.Config{Path: path}, appLogger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	store, err := outbox.NewStore(dbClient.GetDB(), appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return nil, nil, fmt.Errorf("failed to open outbox store: %w", err)
	}

	return store, func() { dbClient.Close() }, nil
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
