package mq

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/relayq/relayq/internal/model"
)

// QueuedJob pairs a job with the correlation id it should travel under.
type QueuedJob struct {
	Job           *model.JobMessage
	CorrelationID string
}

// JobPublisher sends job messages through the jobs topic exchange.
type JobPublisher struct {
	broker Broker
	logger *slog.Logger
}

func NewJobPublisher(broker Broker, logger *slog.Logger) *JobPublisher {
	return &JobPublisher{
		broker: broker,
		logger: logger.With("component", "job_publisher"),
	}
}

// Publish routes one job to the exchange and reports whether the broker
// accepted it. Callers use the outcome to decide between forwarded and
// locally persisted, so failures surface as false rather than an error.
func (p *JobPublisher) Publish(ctx context.Context, job *model.JobMessage, correlationID string) bool {
	pub, err := NewJobPublishing(job, correlationID)
	if err != nil {
		p.logger.Error("Failed to encode job message",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.JobType),
			slog.Any("error", err),
		)
		return false
	}

	routingKey := RoutingKeyFor(job.JobType, job.RoutingPattern, job.WorkerAffinity)
	if err := p.broker.Publish(ctx, JobsExchange, routingKey, pub); err != nil {
		p.logger.Warn("Failed to publish job",
			slog.String("job_id", job.ID),
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
		return false
	}

	p.logger.Debug("Published job",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.String("routing_key", routingKey),
		slog.String("correlation_id", correlationID),
	)
	return true
}

// PublishBatch publishes each job independently and returns how many the
// broker accepted. One bad job does not stop the rest of the batch.
func (p *JobPublisher) PublishBatch(ctx context.Context, jobs []QueuedJob) int {
	published := 0
	for _, queued := range jobs {
		if p.Publish(ctx, queued.Job, queued.CorrelationID) {
			published++
		}
	}

	if published < len(jobs) {
		p.logger.Warn("Batch publish incomplete",
			slog.Int("published", published),
			slog.Int("total", len(jobs)),
		)
	}

	return published
}

// AdminPublisher sends status updates, logs, registrations, and heartbeats
// to their direct queues via the default exchange.
type AdminPublisher struct {
	broker Broker
	logger *slog.Logger
}

func NewAdminPublisher(broker Broker, logger *slog.Logger) *AdminPublisher {
	return &AdminPublisher{
		broker: broker,
		logger: logger.With("component", "admin_publisher"),
	}
}

// PublishStatus forwards one status update to the status queue.
func (p *AdminPublisher) PublishStatus(ctx context.Context, update *model.StatusUpdate) error {
	return p.publishToQueue(ctx, StatusQueue, update.CorrelationID, update)
}

// PublishLog forwards one log message to the log queue.
func (p *AdminPublisher) PublishLog(ctx context.Context, msg *model.LogMessage) error {
	return p.publishToQueue(ctx, LogQueue, msg.CorrelationID, msg)
}

// PublishRegistration announces a worker to the registration queue.
func (p *AdminPublisher) PublishRegistration(ctx context.Context, reg *model.WorkerRegistration) error {
	return p.publishToQueue(ctx, RegistrationQueue, "", reg)
}

// PublishHeartbeat sends a worker heartbeat to the heartbeat queue.
func (p *AdminPublisher) PublishHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	return p.publishToQueue(ctx, HeartbeatQueue, "", hb)
}

func (p *AdminPublisher) publishToQueue(ctx context.Context, queue, correlationID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	pub := newPublishing(body, correlationID, 0)
	if err := p.broker.Publish(ctx, "", queue, pub); err != nil {
		p.logger.Warn("Failed to publish admin message",
			slog.String("queue", queue),
			slog.Any("error", err),
		)
		return err
	}

	return nil
}
