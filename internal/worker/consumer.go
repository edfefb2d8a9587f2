package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/relayq/relayq/internal/cancel"
	"github.com/relayq/relayq/internal/model"
	"github.com/relayq/relayq/internal/mq"
	"github.com/relayq/relayq/internal/outbox"
)

// ErrDeliveriesClosed signals that the broker closed the delivery stream,
// usually because the connection dropped. The caller is expected to reconnect
// and start a fresh consume.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Channel is the broker surface the consumer drives. All operations are
// serialized by the underlying client; acknowledgments run to completion once
// started.
type Channel interface {
	Qos(prefetch int) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	CancelConsumer(consumerTag string) error
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	Ack(deliveryTag uint64) error
	Reject(deliveryTag uint64, requeue bool) error
}

// ConsumerOptions configures the dispatch loop.
type ConsumerOptions struct {
	Channel  Channel
	Registry *Registry
	Outbox   *outbox.Service
	Cancels  *cancel.Registry
	Logger   *slog.Logger

	WorkerID  string
	QueueName string

	MaxParallelJobs   int
	DefaultMaxRetries int
	RetryBaseDelay    time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	SlotDrainTimeout  time.Duration

	// OnJobTransition fires whenever a job starts or ends, so the heartbeat
	// loop can report load changes without waiting for its next tick.
	OnJobTransition func()
}

func (o *ConsumerOptions) validate() error {
	if o.Channel == nil {
		return errors.New("channel is required")
	}
	if o.Registry == nil {
		return errors.New("registry is required")
	}
	if o.Outbox == nil {
		return errors.New("outbox is required")
	}
	if o.Cancels == nil {
		return errors.New("cancellation registry is required")
	}
	if o.Logger == nil {
		return errors.New("logger is required")
	}
	if o.WorkerID == "" {
		return errors.New("worker id is required")
	}
	if o.QueueName == "" {
		return errors.New("queue name is required")
	}
	return nil
}

// Consumer reads deliveries from the worker queue and resolves each one
// through the retry/DLQ state machine.
type Consumer struct {
	channel  Channel
	registry *Registry
	outbox   *outbox.Service
	cancels  *cancel.Registry
	logger   *slog.Logger

	workerID  string
	queueName string

	maxParallel       int
	defaultMaxRetries int
	retryBaseDelay    time.Duration
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	slotDrainTimeout  time.Duration

	onTransition func()

	sem     *semaphore.Weighted
	running atomic.Int64
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer options: %w", err)
	}

	if opts.MaxParallelJobs <= 0 {
		opts.MaxParallelJobs = 4
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 5 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SlotDrainTimeout <= 0 {
		opts.SlotDrainTimeout = 30 * time.Second
	}

	return &Consumer{
		channel:           opts.Channel,
		registry:          opts.Registry,
		outbox:            opts.Outbox,
		cancels:           opts.Cancels,
		logger:            opts.Logger.With("component", "consumer"),
		workerID:          opts.WorkerID,
		queueName:         opts.QueueName,
		maxParallel:       opts.MaxParallelJobs,
		defaultMaxRetries: opts.DefaultMaxRetries,
		retryBaseDelay:    opts.RetryBaseDelay,
		jobTimeout:        opts.JobTimeout,
		heartbeatInterval: opts.HeartbeatInterval,
		slotDrainTimeout:  opts.SlotDrainTimeout,
		onTransition:      opts.OnJobTransition,
		sem:               semaphore.NewWeighted(int64(opts.MaxParallelJobs)),
	}, nil
}

// RunningJobs returns the number of currently executing job bodies.
func (c *Consumer) RunningJobs() int64 {
	return c.running.Load()
}

// Run consumes deliveries until ctx is cancelled or the broker closes the
// stream. Prefetch equals the concurrency bound so the broker never pushes
// more unacknowledged work than the worker can run.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.channel.Qos(c.maxParallel); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := c.channel.Consume(c.queueName, c.workerID)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Consumer started",
		slog.String("queue", c.queueName),
		slog.Int("max_parallel_jobs", c.maxParallel),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopping, context cancelled")
			c.drain(true)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Delivery channel closed by broker")
				c.drain(false)
				return ErrDeliveriesClosed
			}
			c.dispatch(ctx, &delivery)
		}
	}
}

// dispatch runs the cheap, local steps inline: header parsing, the
// duplicate-delivery short-circuit, and slot acquisition. Execution itself
// moves to a goroutine.
func (c *Consumer) dispatch(ctx context.Context, delivery *amqp.Delivery) {
	correlationID := mq.CorrelationIDFromDelivery(delivery)
	retryCount := mq.RetryCountFromDelivery(delivery)

	if correlationID == "" {
		correlationID = uuid.NewString()
		c.logger.Warn("Delivery missing correlation id, minted one",
			slog.String("correlation_id", correlationID),
		)
	}

	finalized, err := c.outbox.IsFinalized(ctx, correlationID)
	if err != nil {
		c.logger.Warn("Idempotency check failed, executing anyway",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}
	if finalized {
		c.logger.Info("Duplicate delivery of finalized execution, acknowledging",
			slog.String("correlation_id", correlationID),
		)
		c.ack(delivery.DeliveryTag)
		return
	}

	if delivery.Redelivered {
		c.logger.Warn("Redelivered message, executing from the beginning",
			slog.String("correlation_id", correlationID),
		)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		// Shutting down before the job started, hand the message back.
		c.reject(delivery.DeliveryTag, true)
		return
	}

	go c.runJob(ctx, delivery, correlationID, retryCount)
}

func (c *Consumer) runJob(ctx context.Context, delivery *amqp.Delivery, correlationID string, retryCount int) {
	defer c.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Job pipeline panicked, dead-lettering delivery",
				slog.String("correlation_id", correlationID),
				slog.Any("panic", r),
			)
			c.reject(delivery.DeliveryTag, false)
		}
	}()

	c.running.Add(1)
	c.transition()
	defer func() {
		c.running.Add(-1)
		c.transition()
	}()

	var job model.JobMessage
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		// Undeserializable payloads are non-retryable. Rejecting without
		// requeue lets the queue's dead-letter arguments route the original
		// bytes to the DLQ.
		c.logger.Error("Undeserializable job payload, dead-lettering",
			slog.String("correlation_id", correlationID),
			slog.Any("error", fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)),
		)
		c.reject(delivery.DeliveryTag, false)
		return
	}

	startTime := time.Now().UTC()

	definition, known := c.registry.Lookup(job.JobType)
	if !known {
		c.recordStart(ctx, &job, correlationID)
		c.deadLetter(ctx, delivery, &job, correlationID, startTime,
			fmt.Errorf("%w: %s", model.ErrJobTypeUnknown, job.JobType))
		return
	}

	maxRetries := definition.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.defaultMaxRetries
	}

	c.logger.Info("Processing job",
		slog.String("correlation_id", correlationID),
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.Int("retry_count", retryCount),
	)

	c.recordStart(ctx, &job, correlationID)
	c.publishRunning(ctx, &job, correlationID, startTime)

	cancellable, cancelCause := context.WithCancelCause(ctx)
	jobCtx, cancelTimeout := context.WithTimeout(cancellable, c.jobTimeout)
	defer cancelTimeout()
	defer cancelCause(nil)

	c.cancels.Register(correlationID, cancelCause)

	heartbeatDone := make(chan struct{})
	go c.refreshExecutionHeartbeat(jobCtx, correlationID, heartbeatDone)

	result, execErr := c.execute(jobCtx, definition.Handler, &job)

	close(heartbeatDone)
	c.cancels.Release(correlationID)

	endTime := time.Now().UTC()
	cause := context.Cause(jobCtx)
	var cancellation *cancel.Cancellation

	switch {
	case execErr == nil:
		// A cancellation that lost the race against completion is ignored.
		c.finish(ctx, delivery, &job, correlationID, model.StatusSucceeded,
			startTime, endTime, result, "")

	case errors.As(cause, &cancellation):
		c.logger.Info("Job cancelled by request",
			slog.String("correlation_id", correlationID),
			slog.String("reason", cancellation.Reason),
		)
		c.finish(ctx, delivery, &job, correlationID, model.StatusCancelled,
			startTime, endTime, nil, cancellation.Error())

	case errors.Is(cause, context.DeadlineExceeded):
		c.logger.Warn("Job timed out",
			slog.String("correlation_id", correlationID),
			slog.Duration("timeout", c.jobTimeout),
		)
		c.finish(ctx, delivery, &job, correlationID, model.StatusTimedOut,
			startTime, endTime, nil, fmt.Sprintf("job timed out after %s", c.jobTimeout))

	case errors.Is(cause, context.Canceled):
		// Worker shutdown interrupted the job. Not finalized, so a
		// redelivery will execute it again.
		c.logger.Info("Job interrupted by shutdown, requeueing",
			slog.String("correlation_id", correlationID),
		)
		c.reject(delivery.DeliveryTag, true)

	case model.IsPermanent(execErr) || errors.Is(execErr, model.ErrInvalidPayload):
		c.logger.Warn("Job failed permanently, skipping retries",
			slog.String("correlation_id", correlationID),
			slog.Any("error", execErr),
		)
		c.deadLetter(ctx, delivery, &job, correlationID, startTime, execErr)

	case retryCount < maxRetries:
		c.scheduleRetry(ctx, delivery, &job, correlationID, retryCount, execErr)

	default:
		c.logger.Warn("Job exhausted retries",
			slog.String("correlation_id", correlationID),
			slog.Int("retry_count", retryCount),
			slog.Int("max_retries", maxRetries),
		)
		c.deadLetter(ctx, delivery, &job, correlationID, startTime, execErr)
	}
}

// execute invokes the handler, converting panics into plain job failures so
// one bad job cannot crash the dispatch loop.
func (c *Consumer) execute(ctx context.Context, handler Handler, job *model.JobMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	return handler.Run(ctx, job)
}

func (c *Consumer) recordStart(ctx context.Context, job *model.JobMessage, correlationID string) {
	if err := c.outbox.RecordStart(ctx, correlationID, job.ID, job.JobType, c.workerID); err != nil {
		c.logger.Warn("Failed to record execution start",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}
}

func (c *Consumer) publishRunning(ctx context.Context, job *model.JobMessage, correlationID string, startTime time.Time) {
	update := &model.StatusUpdate{
		CorrelationID:    correlationID,
		JobID:            job.ID,
		WorkerID:         c.workerID,
		Status:           model.StatusRunning,
		StartTime:        &startTime,
		MessageTimestamp: time.Now().UTC(),
	}
	if err := c.outbox.PublishStatus(ctx, update); err != nil {
		c.logger.Warn("Failed to report running status",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}
}

// finish publishes the terminal status, seals the execution record, and
// acknowledges the delivery. It runs detached from caller cancellation: a
// finished job must be finalized even while the process is shutting down.
func (c *Consumer) finish(ctx context.Context, delivery *amqp.Delivery, job *model.JobMessage,
	correlationID string, status model.JobStatus, startTime, endTime time.Time, result any, exception string) {

	bg := context.WithoutCancel(ctx)

	update := c.buildStatus(job, correlationID, status, startTime, endTime, result, exception)
	if err := c.outbox.PublishStatus(bg, update); err != nil {
		c.logger.Error("Failed to deliver final status",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}

	if err := c.outbox.Finalize(bg, correlationID, status); err != nil {
		c.logger.Error("Failed to finalize execution",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}

	c.ack(delivery.DeliveryTag)

	c.logger.Info("Job finished",
		slog.String("correlation_id", correlationID),
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.Duration("duration", endTime.Sub(startTime)),
	)
}

func (c *Consumer) buildStatus(job *model.JobMessage, correlationID string, status model.JobStatus,
	startTime, endTime time.Time, result any, exception string) *model.StatusUpdate {

	durationMs := endTime.Sub(startTime).Milliseconds()
	update := &model.StatusUpdate{
		CorrelationID:    correlationID,
		JobID:            job.ID,
		WorkerID:         c.workerID,
		Status:           status,
		StartTime:        &startTime,
		EndTime:          &endTime,
		DurationMs:       &durationMs,
		Exception:        exception,
		MessageTimestamp: time.Now().UTC(),
	}

	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			c.logger.Warn("Failed to encode job result",
				slog.String("correlation_id", correlationID),
				slog.Any("error", err),
			)
		} else {
			update.Result = encoded
		}
	}

	return update
}

// scheduleRetry waits the exponential backoff, republishes the original body
// with an incremented retry counter onto this worker's own queue, then
// acknowledges the original delivery. The republished copy becomes the new
// delivery of record.
func (c *Consumer) scheduleRetry(ctx context.Context, delivery *amqp.Delivery, job *model.JobMessage,
	correlationID string, retryCount int, execErr error) {

	delay := c.retryDelay(retryCount)

	c.logger.Info("Scheduling retry",
		slog.String("correlation_id", correlationID),
		slog.String("job_id", job.ID),
		slog.Int("retry_count", retryCount),
		slog.Duration("delay", delay),
		slog.Any("error", execErr),
	)

	retryLog := &model.LogMessage{
		CorrelationID: correlationID,
		WorkerID:      c.workerID,
		Log: model.LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     "Warning",
			Category:  "retry",
			Message:   fmt.Sprintf("attempt %d failed, retrying in %s: %v", retryCount+1, delay, execErr),
		},
		MessageTimestamp: time.Now().UTC(),
	}
	if err := c.outbox.PublishLog(ctx, retryLog); err != nil {
		c.logger.Warn("Failed to deliver retry log",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		// Shutdown during backoff, give the message back unchanged.
		c.reject(delivery.DeliveryTag, true)
		return
	}

	pub := mq.NewRetryPublishing(delivery.Body, correlationID, retryCount+1)
	if err := c.channel.Publish(context.WithoutCancel(ctx), "", c.queueName, pub); err != nil {
		c.logger.Error("Failed to republish retry, requeueing original",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
		c.reject(delivery.DeliveryTag, true)
		return
	}

	// The ack precedes any broker confirm of the republished copy; a crash
	// between the two loses the retry. At-least-once, not exactly-once.
	c.ack(delivery.DeliveryTag)
}

// retryDelay doubles per attempt: 2^retryCount times the base delay.
func (c *Consumer) retryDelay(retryCount int) time.Duration {
	return time.Duration(1<<uint(retryCount)) * c.retryBaseDelay
}

// deadLetter reports the failure, seals the execution, and hands the full
// original payload plus failure metadata to the dead-letter exchange.
func (c *Consumer) deadLetter(ctx context.Context, delivery *amqp.Delivery, job *model.JobMessage,
	correlationID string, startTime time.Time, cause error) {

	bg := context.WithoutCancel(ctx)
	endTime := time.Now().UTC()

	update := c.buildStatus(job, correlationID, model.StatusFailed, startTime, endTime, nil, cause.Error())
	if err := c.outbox.PublishStatus(bg, update); err != nil {
		c.logger.Error("Failed to deliver failure status",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}

	if err := c.outbox.Finalize(bg, correlationID, model.StatusFailed); err != nil {
		c.logger.Error("Failed to finalize failed execution",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}

	deadLetter := &model.DeadLetterMessage{
		JobMessage: *job,
		Exception:  cause.Error(),
		Status:     model.StatusFailed,
	}

	pub, err := mq.NewDeadLetterPublishing(deadLetter, correlationID)
	if err != nil {
		c.logger.Error("Failed to encode dead-letter message, rejecting instead",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
		c.reject(delivery.DeliveryTag, false)
		return
	}

	if err := c.channel.Publish(bg, mq.DeadLetterExchange, mq.DeadLetterRoutingKey, pub); err != nil {
		// Rejecting without requeue still lands the original in the DLQ via
		// the queue's dead-letter arguments, just without the metadata.
		c.logger.Error("Dead-letter publish failed, rejecting so the broker routes it",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
		c.reject(delivery.DeliveryTag, false)
		return
	}

	c.ack(delivery.DeliveryTag)

	c.logger.Warn("Job dead-lettered",
		slog.String("correlation_id", correlationID),
		slog.String("job_id", job.ID),
		slog.String("error", cause.Error()),
	)
}

// refreshExecutionHeartbeat keeps the local execution record alive while the
// job body runs, so stale executions can be told apart from live ones.
func (c *Consumer) refreshExecutionHeartbeat(ctx context.Context, correlationID string, done <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.outbox.Heartbeat(ctx, correlationID); err != nil {
				c.logger.Warn("Failed to refresh execution heartbeat",
					slog.String("correlation_id", correlationID),
					slog.Any("error", err),
				)
			}
		}
	}
}

// drain stops new deliveries and waits, bounded per slot, for in-flight jobs
// to release the concurrency primitive. Slots are handed back afterwards so
// the consumer can run again on a fresh connection.
func (c *Consumer) drain(cancelConsumer bool) {
	if cancelConsumer {
		if err := c.channel.CancelConsumer(c.workerID); err != nil {
			c.logger.Debug("Failed to cancel consumer during drain",
				slog.Any("error", err),
			)
		}
	}

	c.logger.Info("Draining in-flight jobs",
		slog.Int64("running", c.running.Load()),
	)

	acquired := 0
	for i := 0; i < c.maxParallel; i++ {
		slotCtx, cancelSlot := context.WithTimeout(context.Background(), c.slotDrainTimeout)
		err := c.sem.Acquire(slotCtx, 1)
		cancelSlot()
		if err != nil {
			c.logger.Warn("Timed out waiting for in-flight jobs",
				slog.Int("abandoned_slots", c.maxParallel-i),
			)
			break
		}
		acquired++
	}
	if acquired > 0 {
		c.sem.Release(int64(acquired))
	}

	c.logger.Info("Consumer drained",
		slog.Int64("still_running", c.running.Load()),
	)
}

func (c *Consumer) transition() {
	if c.onTransition != nil {
		c.onTransition()
	}
}

func (c *Consumer) ack(deliveryTag uint64) {
	if err := c.channel.Ack(deliveryTag); err != nil {
		// The message is lost to redelivery; the broker redelivers it after
		// a channel loss and the idempotency check absorbs the duplicate.
		c.logger.Error("Failed to ack delivery",
			slog.Uint64("delivery_tag", deliveryTag),
			slog.Any("error", err),
		)
	}
}

func (c *Consumer) reject(deliveryTag uint64, requeue bool) {
	if err := c.channel.Reject(deliveryTag, requeue); err != nil {
		c.logger.Error("Failed to reject delivery",
			slog.Uint64("delivery_tag", deliveryTag),
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
	}
}
