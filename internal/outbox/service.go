package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayq/relayq/internal/model"
)

const (
	defaultSyncBatch       = 50
	defaultMaxSyncAttempts = 5
	defaultRetention       = 24 * time.Hour
)

// HealthReporter answers whether the broker connection is believed healthy.
type HealthReporter interface {
	Healthy() bool
}

// Publisher delivers status updates and logs to the broker.
type Publisher interface {
	PublishStatus(ctx context.Context, update *model.StatusUpdate) error
	PublishLog(ctx context.Context, msg *model.LogMessage) error
}

// StatusCacheWriter mirrors final statuses into a shared cache, best effort.
type StatusCacheWriter interface {
	SetStatus(ctx context.Context, update *model.StatusUpdate) error
}

// Options configures the outbox service.
type Options struct {
	Store     *Store
	Publisher Publisher
	Health    HealthReporter
	// Cache is optional. Writes to it never block or fail a publish.
	Cache           StatusCacheWriter
	Logger          *slog.Logger
	SyncBatch       int
	MaxSyncAttempts int
	Retention       time.Duration
}

func (o *Options) validate() error {
	if o.Store == nil {
		return errors.New("store is required")
	}
	if o.Publisher == nil {
		return errors.New("publisher is required")
	}
	if o.Health == nil {
		return errors.New("health reporter is required")
	}
	if o.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Service guarantees delivery of status updates and logs: publish directly
// while the broker is healthy, otherwise persist locally and let the sync
// pass deliver later.
type Service struct {
	store           *Store
	publisher       Publisher
	health          HealthReporter
	cache           StatusCacheWriter
	logger          *slog.Logger
	syncBatch       int
	maxSyncAttempts int
	retention       time.Duration
}

func NewService(opts Options) (*Service, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid outbox options: %w", err)
	}

	if opts.SyncBatch <= 0 {
		opts.SyncBatch = defaultSyncBatch
	}
	if opts.MaxSyncAttempts <= 0 {
		opts.MaxSyncAttempts = defaultMaxSyncAttempts
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}

	return &Service{
		store:           opts.Store,
		publisher:       opts.Publisher,
		health:          opts.Health,
		cache:           opts.Cache,
		logger:          opts.Logger.With("component", "outbox"),
		syncBatch:       opts.SyncBatch,
		maxSyncAttempts: opts.MaxSyncAttempts,
		retention:       opts.Retention,
	}, nil
}

// PublishStatus delivers a status update, falling back to local persistence
// when the broker is unhealthy or the publish fails. An error means both
// paths failed and the update is lost.
func (s *Service) PublishStatus(ctx context.Context, update *model.StatusUpdate) error {
	if update.MessageTimestamp.IsZero() {
		update.MessageTimestamp = time.Now().UTC()
	}

	if s.cache != nil {
		if err := s.cache.SetStatus(ctx, update); err != nil {
			s.logger.Debug("Status cache write failed",
				slog.String("correlation_id", update.CorrelationID),
				slog.Any("error", err),
			)
		}
	}

	if !s.health.Healthy() {
		s.logger.Debug("Broker unhealthy, persisting status locally",
			slog.String("correlation_id", update.CorrelationID),
			slog.String("status", string(update.Status)),
		)
		return s.persistStatus(ctx, update)
	}

	if err := s.publisher.PublishStatus(ctx, update); err != nil {
		s.logger.Warn("Status publish failed, persisting locally",
			slog.String("correlation_id", update.CorrelationID),
			slog.Any("error", err),
		)
		return s.persistStatus(ctx, update)
	}

	return nil
}

// PublishLog delivers a job log message with the same fallback as
// PublishStatus.
func (s *Service) PublishLog(ctx context.Context, msg *model.LogMessage) error {
	if msg.MessageTimestamp.IsZero() {
		msg.MessageTimestamp = time.Now().UTC()
	}

	if !s.health.Healthy() {
		return s.persistLog(ctx, msg)
	}

	if err := s.publisher.PublishLog(ctx, msg); err != nil {
		s.logger.Warn("Log publish failed, persisting locally",
			slog.String("correlation_id", msg.CorrelationID),
			slog.Any("error", err),
		)
		return s.persistLog(ctx, msg)
	}

	return nil
}

func (s *Service) persistStatus(ctx context.Context, update *model.StatusUpdate) error {
	if err := s.store.InsertStatus(ctx, update); err != nil {
		return fmt.Errorf("status update lost, persist failed after publish failure: %w", err)
	}
	return nil
}

func (s *Service) persistLog(ctx context.Context, msg *model.LogMessage) error {
	if err := s.store.InsertLog(ctx, msg); err != nil {
		return fmt.Errorf("job log lost, persist failed after publish failure: %w", err)
	}
	return nil
}

// SyncPending republishes persisted records while the broker is healthy.
// Successfully delivered records are deleted, failures bump the per-record
// attempt counter until the cap drops them. Returns how many records were
// delivered.
func (s *Service) SyncPending(ctx context.Context) (int, error) {
	if !s.health.Healthy() {
		s.logger.Debug("Skipping outbox sync, broker unhealthy")
		return 0, nil
	}

	synced := 0

	statuses, err := s.store.PendingStatusUpdates(ctx, s.syncBatch)
	if err != nil {
		return synced, err
	}
	for i := range statuses {
		if err := ctx.Err(); err != nil {
			return synced, err
		}

		record := &statuses[i]
		if err := s.publisher.PublishStatus(ctx, record.Message()); err != nil {
			if _, bumpErr := s.store.BumpStatusSyncAttempts(ctx, record.ID, s.maxSyncAttempts); bumpErr != nil {
				s.logger.Error("Failed to track status sync attempt",
					slog.Any("error", bumpErr),
				)
			}
			continue
		}
		if err := s.store.DeleteStatus(ctx, record.ID); err != nil {
			return synced, err
		}
		synced++
	}

	logs, err := s.store.PendingLogs(ctx, s.syncBatch)
	if err != nil {
		return synced, err
	}
	for i := range logs {
		if err := ctx.Err(); err != nil {
			return synced, err
		}

		record := &logs[i]
		if err := s.publisher.PublishLog(ctx, record.WireMessage()); err != nil {
			if _, bumpErr := s.store.BumpLogSyncAttempts(ctx, record.ID, s.maxSyncAttempts); bumpErr != nil {
				s.logger.Error("Failed to track log sync attempt",
					slog.Any("error", bumpErr),
				)
			}
			continue
		}
		if err := s.store.DeleteLog(ctx, record.ID); err != nil {
			return synced, err
		}
		synced++
	}

	if synced > 0 {
		s.logger.Info("Outbox sync delivered pending records",
			slog.Int("synced", synced),
		)
	}

	return synced, nil
}

// PurgeExpired drops records older than the retention window.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.PurgeExpired(ctx, time.Now().UTC().Add(-s.retention))
}

// Execution bookkeeping is local-only state used for idempotency. It is
// surfaced here so the consumer has a single delivery dependency.

// RecordStart marks a correlation id as accepted for processing.
func (s *Service) RecordStart(ctx context.Context, correlationID, jobID, jobType, workerID string) error {
	return s.store.RecordStart(ctx, correlationID, jobID, jobType, workerID)
}

// Heartbeat refreshes the liveness marker of a running execution.
func (s *Service) Heartbeat(ctx context.Context, correlationID string) error {
	return s.store.Heartbeat(ctx, correlationID)
}

// Finalize seals an execution with its terminal status, exactly once.
func (s *Service) Finalize(ctx context.Context, correlationID string, status model.JobStatus) error {
	return s.store.Finalize(ctx, correlationID, status)
}

// IsFinalized reports whether a correlation id already ran to completion.
func (s *Service) IsFinalized(ctx context.Context, correlationID string) (bool, error) {
	return s.store.IsFinalized(ctx, correlationID)
}

// CollectStats exposes store counters for health reporting.
func (s *Service) CollectStats(ctx context.Context) (Stats, error) {
	return s.store.CollectStats(ctx)
}
