package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/relayq/relayq/internal/breaker"
	"github.com/relayq/relayq/internal/cache"
	"github.com/relayq/relayq/internal/cancel"
	"github.com/relayq/relayq/internal/config"
	"github.com/relayq/relayq/internal/monitor"
	"github.com/relayq/relayq/internal/mq"
	"github.com/relayq/relayq/internal/outbox"
	"github.com/relayq/relayq/shared/rabbitmq"
)

// purgeInterval paces the retention sweep. Retention windows are measured in
// hours, so sweeping more often buys nothing.
const purgeInterval = time.Hour

// Options wires a worker instance from its shared clients. The registry must
// carry the job types this instance executes.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Rabbit   *rabbitmq.Client
	Redis    redis.UniversalClient
	DB       *sqlx.DB
	Registry *Registry

	// DBHealth optionally surfaces the durable store's health probe on the
	// ops endpoint.
	DBHealth func(ctx context.Context) error
}

func (o *Options) validate() error {
	if o.Config == nil {
		return errors.New("config is required")
	}
	if o.Logger == nil {
		return errors.New("logger is required")
	}
	if o.Rabbit == nil {
		return errors.New("rabbitmq client is required")
	}
	if o.Redis == nil {
		return errors.New("redis client is required")
	}
	if o.DB == nil {
		return errors.New("database is required")
	}
	if o.Registry == nil {
		return errors.New("job registry is required")
	}
	return nil
}

// Worker owns every long-lived task of one worker process: the consumer,
// the outbox sync and purge loops, the heartbeat loop, the cancellation
// listener, the connection monitor, and the ops endpoint.
type Worker struct {
	cfg    *config.Config
	logger *slog.Logger
	rabbit *rabbitmq.Client

	registry  *Registry
	outbox    *outbox.Service
	monitor   *monitor.Monitor
	cancels   *cancel.Registry
	listener  *cancel.Listener
	registrar *Registrar
	consumer  *Consumer
	ops       *OpsServer

	queuePattern string
	queueName    string

	recovered chan struct{}
}

func New(opts Options) (*Worker, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid worker options: %w", err)
	}

	cfg := opts.Config

	w := &Worker{
		cfg:       cfg,
		logger:    opts.Logger.With("component", "worker"),
		rabbit:    opts.Rabbit,
		registry:  opts.Registry,
		recovered: make(chan struct{}, 1),
	}

	// The worker queue catches everything affined to this worker id; job
	// types with explicit routing patterns add their own bindings.
	w.queuePattern = mq.NormalizeToken(cfg.Worker.ID) + ".#"
	w.queueName = mq.QueueNameFor(w.queuePattern)

	store, err := outbox.NewStore(opts.DB, opts.Logger)
	if err != nil {
		return nil, err
	}

	w.monitor, err = monitor.New(monitor.Options{
		Probe: func(ctx context.Context) error {
			if opts.Rabbit.IsConnected() {
				return nil
			}
			return opts.Rabbit.Reconnect(ctx)
		},
		Interval:     cfg.Monitor.Interval.Std(),
		ProbeTimeout: cfg.Monitor.DialTimeout.Std(),
		Logger:       opts.Logger,
		OnRecover: func() {
			select {
			case w.recovered <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return nil, err
	}

	cacheBreaker := breaker.New(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown.Std(),
		Logger:           opts.Logger,
	})
	statusCache := cache.NewRedisStatusCache(opts.Redis, cfg.Cache.KeyPrefix, cfg.Cache.StatusTTL.Std())
	guarded := cache.NewGuarded(statusCache, cacheBreaker, opts.Logger)

	adminPublisher := mq.NewAdminPublisher(opts.Rabbit, opts.Logger)

	w.outbox, err = outbox.NewService(outbox.Options{
		Store:           store,
		Publisher:       adminPublisher,
		Health:          w.monitor,
		Cache:           guarded,
		Logger:          opts.Logger,
		SyncBatch:       cfg.Outbox.SyncBatch,
		MaxSyncAttempts: cfg.Outbox.MaxSyncAttempts,
		Retention:       cfg.Outbox.Retention.Std(),
	})
	if err != nil {
		return nil, err
	}

	w.cancels = cancel.NewRegistry()
	w.listener, err = cancel.NewListener(cancel.ListenerOptions{
		Client:   opts.Redis,
		Channel:  mq.CancelChannel,
		Registry: w.cancels,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	w.registrar, err = NewRegistrar(RegistrarOptions{
		Publisher:       adminPublisher,
		Registry:        opts.Registry,
		Logger:          opts.Logger,
		WorkerID:        cfg.Worker.ID,
		DisplayName:     cfg.Worker.DisplayName,
		Version:         cfg.App.Version,
		MaxParallelJobs: cfg.Worker.MaxParallelJobs,
		Metadata:        map[string]string{"environment": cfg.App.Environment},
		RunningJobs: func() int64 {
			if w.consumer == nil {
				return 0
			}
			return w.consumer.RunningJobs()
		},
		Attempts:          cfg.Worker.RegistrationAttempts,
		Backoff:           cfg.Worker.RegistrationBackoff.Std(),
		HeartbeatInterval: cfg.Worker.HeartbeatInterval.Std(),
	})
	if err != nil {
		return nil, err
	}

	w.consumer, err = NewConsumer(ConsumerOptions{
		Channel:           opts.Rabbit,
		Registry:          opts.Registry,
		Outbox:            w.outbox,
		Cancels:           w.cancels,
		Logger:            opts.Logger,
		WorkerID:          cfg.Worker.ID,
		QueueName:         w.queueName,
		MaxParallelJobs:   cfg.Worker.MaxParallelJobs,
		DefaultMaxRetries: cfg.Worker.DefaultMaxRetries,
		RetryBaseDelay:    cfg.Worker.RetryBaseDelay.Std(),
		JobTimeout:        cfg.Worker.JobTimeout.Std(),
		HeartbeatInterval: cfg.Worker.HeartbeatInterval.Std(),
		SlotDrainTimeout:  cfg.Worker.SlotDrainTimeout.Std(),
		OnJobTransition:   w.registrar.Kick,
	})
	if err != nil {
		return nil, err
	}

	w.ops, err = NewOpsServer(OpsOptions{
		Logger:       opts.Logger,
		Port:         cfg.Worker.HealthPort,
		WorkerID:     cfg.Worker.ID,
		InstanceID:   w.registrar.InstanceID(),
		Health:       w.monitor,
		Consumer:     w.consumer,
		Outbox:       w.outbox,
		DBHealth:     opts.DBHealth,
		CacheBreaker: cacheBreaker.Counts,
	})
	if err != nil {
		return nil, err
	}

	return w, nil
}

// Run declares the topology, registers the worker, and drives all background
// tasks until ctx is cancelled or a fatal failure occurs.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.cfg.Worker.ID),
		slog.String("instance_id", w.registrar.InstanceID()),
		slog.String("queue", w.queueName),
		slog.Int("max_parallel_jobs", w.cfg.Worker.MaxParallelJobs),
	)

	if err := w.declareTopology(); err != nil {
		return err
	}

	// Seed the health boolean before anything consults it; the initial
	// transition to healthy is not a recovery.
	w.monitor.Refresh(ctx)
	select {
	case <-w.recovered:
	default:
	}

	if err := w.registrar.Announce(ctx); err != nil {
		return fmt.Errorf("worker cannot operate unregistered: %w", err)
	}

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	errChan := make(chan error, 8)
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errChan <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	start("monitor", w.monitor.Run)
	start("cancel_listener", w.runCancelListener)
	start("heartbeat", w.registrar.RunHeartbeat)
	start("ops", w.ops.Run)
	start("outbox_sync", w.runSyncLoop)
	start("outbox_purge", w.runPurgeLoop)
	start("recovery", w.runRecoveryLoop)
	start("consumer", w.runConsumerLoop)

	var runErr error
	select {
	case <-ctx.Done():
		w.logger.Info("Shutdown signal received, stopping worker")
	case runErr = <-errChan:
		w.logger.Error("Fatal background task failure",
			slog.Any("error", runErr),
		)
	}

	cancelAll()
	wg.Wait()

	w.logger.Info("Worker stopped")
	return runErr
}

func (w *Worker) declareTopology() error {
	binds := append([]string{w.queuePattern}, w.registry.BindPatterns(w.cfg.Worker.ID)...)
	if _, err := mq.DeclareJobTopology(w.rabbit, w.queuePattern, binds...); err != nil {
		return fmt.Errorf("failed to declare job topology: %w", err)
	}
	if err := mq.DeclareAdminQueues(w.rabbit); err != nil {
		return fmt.Errorf("failed to declare admin queues: %w", err)
	}
	return nil
}

// runConsumerLoop keeps a consumer alive across broker reconnects. The
// monitor's probe re-establishes the connection; this loop waits for it,
// refreshes the topology on the new channel, and consumes again. The close
// notification taken before each consume carries the broker-side reason for
// a dropped connection.
func (w *Worker) runConsumerLoop(ctx context.Context) error {
	for {
		closeCh := w.rabbit.NotifyClose()

		err := w.consumer.Run(ctx)
		if ctx.Err() != nil || err == nil {
			return nil
		}

		if errors.Is(err, ErrDeliveriesClosed) {
			if reason, ok := closeReason(closeCh); ok {
				w.logger.Warn("Broker closed the connection",
					slog.String("reason", reason),
				)
			}
		} else {
			w.logger.Error("Consumer stopped unexpectedly",
				slog.Any("error", err),
			)
		}

		w.logger.Info("Waiting for broker connection before resuming consumption")
		if !w.awaitHealthy(ctx) {
			return nil
		}

		if err := w.declareTopology(); err != nil {
			w.logger.Warn("Topology redeclare failed, retrying",
				slog.Any("error", err),
			)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// closeReason drains a pending close notification without blocking. Only an
// abnormal shutdown carries a reason; nil and gracefully closed channels
// report none.
func closeReason(ch <-chan *amqp.Error) (string, bool) {
	select {
	case amqpErr, ok := <-ch:
		if ok && amqpErr != nil {
			return amqpErr.Error(), true
		}
		return "", false
	default:
		return "", false
	}
}

func (w *Worker) awaitHealthy(ctx context.Context) bool {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if w.monitor.Healthy() && w.rabbit.IsConnected() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// runRecoveryLoop re-announces the worker after every broker reconnect, so
// the scheduler sees registrations that survive connection drops.
func (w *Worker) runRecoveryLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.recovered:
			w.logger.Info("Broker connection recovered, re-registering worker")
			if err := w.registrar.Announce(ctx); err != nil {
				return fmt.Errorf("worker cannot operate unregistered: %w", err)
			}
			w.registrar.Kick()
		}
	}
}

func (w *Worker) runSyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Outbox.SyncInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.outbox.SyncPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn("Outbox sync failed",
					slog.Any("error", err),
				)
			}
		}
	}
}

func (w *Worker) runPurgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.outbox.PurgeExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn("Outbox retention sweep failed",
					slog.Any("error", err),
				)
			}
		}
	}
}

// runCancelListener restarts the pub/sub subscription when Redis drops it.
// Cancellation is advisory, so listener failures never take the worker down.
func (w *Worker) runCancelListener(ctx context.Context) error {
	for {
		err := w.listener.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}

		w.logger.Warn("Cancellation listener stopped, restarting",
			slog.Any("error", err),
		)

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return nil
		}
	}
}
