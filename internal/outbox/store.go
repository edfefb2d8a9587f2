// Package outbox implements the publish-or-persist delivery guarantee for
// status updates and job logs, backed by a per-process SQLite file.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relayq/relayq/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_executions (
	correlation_id    TEXT PRIMARY KEY,
	job_id            TEXT NOT NULL,
	job_type          TEXT NOT NULL,
	worker_id         TEXT NOT NULL,
	started_at        DATETIME NOT NULL,
	last_heartbeat_at DATETIME NOT NULL,
	completed_at      DATETIME,
	final_status      TEXT,
	finalized         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS status_updates (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL,
	job_id         TEXT NOT NULL,
	worker_id      TEXT NOT NULL,
	status         TEXT NOT NULL,
	start_time     DATETIME,
	end_time       DATETIME,
	duration_ms    INTEGER,
	result         TEXT,
	exception      TEXT NOT NULL DEFAULT '',
	sync_attempts  INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS job_logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL,
	worker_id      TEXT NOT NULL,
	timestamp      DATETIME NOT NULL,
	level          TEXT NOT NULL,
	message        TEXT NOT NULL,
	category       TEXT NOT NULL DEFAULT '',
	exception_type TEXT NOT NULL DEFAULT '',
	data           TEXT,
	sync_attempts  INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_status_updates_correlation ON status_updates(correlation_id);
CREATE INDEX IF NOT EXISTS idx_job_logs_correlation ON job_logs(correlation_id);
CREATE INDEX IF NOT EXISTS idx_job_executions_finalized ON job_executions(finalized, completed_at);
`

// StatusRecord is a locally persisted status update awaiting sync.
type StatusRecord struct {
	ID            int64      `db:"id"`
	CorrelationID string     `db:"correlation_id"`
	JobID         string     `db:"job_id"`
	WorkerID      string     `db:"worker_id"`
	Status        string     `db:"status"`
	StartTime     *time.Time `db:"start_time"`
	EndTime       *time.Time `db:"end_time"`
	DurationMs    *int64     `db:"duration_ms"`
	Result        []byte     `db:"result"`
	Exception     string     `db:"exception"`
	SyncAttempts  int        `db:"sync_attempts"`
	CreatedAt     time.Time  `db:"created_at"`
}

// Message rebuilds the wire-level status update from the stored columns.
func (r *StatusRecord) Message() *model.StatusUpdate {
	return &model.StatusUpdate{
		CorrelationID:    r.CorrelationID,
		JobID:            r.JobID,
		WorkerID:         r.WorkerID,
		Status:           model.JobStatus(r.Status),
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		DurationMs:       r.DurationMs,
		Result:           r.Result,
		Exception:        r.Exception,
		MessageTimestamp: r.CreatedAt,
	}
}

// LogRecord is a locally persisted job log awaiting sync.
type LogRecord struct {
	ID            int64     `db:"id"`
	CorrelationID string    `db:"correlation_id"`
	WorkerID      string    `db:"worker_id"`
	Timestamp     time.Time `db:"timestamp"`
	Level         string    `db:"level"`
	Message       string    `db:"message"`
	Category      string    `db:"category"`
	ExceptionType string    `db:"exception_type"`
	Data          []byte    `db:"data"`
	SyncAttempts  int       `db:"sync_attempts"`
	CreatedAt     time.Time `db:"created_at"`
}

// WireMessage rebuilds the wire-level log message from the stored columns.
func (r *LogRecord) WireMessage() *model.LogMessage {
	return &model.LogMessage{
		CorrelationID: r.CorrelationID,
		WorkerID:      r.WorkerID,
		Log: model.LogEntry{
			Timestamp:     r.Timestamp,
			Level:         r.Level,
			Message:       r.Message,
			Category:      r.Category,
			ExceptionType: r.ExceptionType,
			Data:          r.Data,
		},
		MessageTimestamp: r.CreatedAt,
	}
}

// ExecutionRecord tracks one job execution attempt for idempotency.
type ExecutionRecord struct {
	CorrelationID   string     `db:"correlation_id"`
	JobID           string     `db:"job_id"`
	JobType         string     `db:"job_type"`
	WorkerID        string     `db:"worker_id"`
	StartedAt       time.Time  `db:"started_at"`
	LastHeartbeatAt time.Time  `db:"last_heartbeat_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	FinalStatus     *string    `db:"final_status"`
	Finalized       bool       `db:"finalized"`
}

// Stats summarizes the local store for health reporting.
type Stats struct {
	PendingStatusUpdates int64 `json:"pendingStatusUpdates"`
	PendingLogs          int64 `json:"pendingLogs"`
	ActiveExecutions     int64 `json:"activeExecutions"`
	FinalizedExecutions  int64 `json:"finalizedExecutions"`
}

// Store handles all local database operations for the outbox.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates the store and runs the schema migration.
func NewStore(db *sqlx.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to migrate outbox schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "outbox_store"),
	}, nil
}

// InsertStatus persists a status update that could not be delivered.
func (s *Store) InsertStatus(ctx context.Context, update *model.StatusUpdate) error {
	query := `
		INSERT INTO status_updates (
			correlation_id, job_id, worker_id, status,
			start_time, end_time, duration_ms, result, exception, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := update.MessageTimestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		update.CorrelationID,
		update.JobID,
		update.WorkerID,
		string(update.Status),
		update.StartTime,
		update.EndTime,
		update.DurationMs,
		[]byte(update.Result),
		update.Exception,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert status update: %w", err)
	}

	return nil
}

// InsertLog persists a job log message that could not be delivered.
func (s *Store) InsertLog(ctx context.Context, msg *model.LogMessage) error {
	query := `
		INSERT INTO job_logs (
			correlation_id, worker_id, timestamp, level,
			message, category, exception_type, data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := msg.MessageTimestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	timestamp := msg.Log.Timestamp
	if timestamp.IsZero() {
		timestamp = createdAt
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.CorrelationID,
		msg.WorkerID,
		timestamp,
		msg.Log.Level,
		msg.Log.Message,
		msg.Log.Category,
		msg.Log.ExceptionType,
		[]byte(msg.Log.Data),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job log: %w", err)
	}

	return nil
}

// PendingStatusUpdates fetches up to limit unsynced status updates, oldest
// first. Running markers whose execution has since finalized are skipped:
// the terminal status supersedes them and syncing them would report a dead
// job as live.
func (s *Store) PendingStatusUpdates(ctx context.Context, limit int) ([]StatusRecord, error) {
	query := `
		SELECT id, correlation_id, job_id, worker_id, status,
		       start_time, end_time, duration_ms, result, exception,
		       sync_attempts, created_at
		FROM status_updates su
		WHERE NOT (
			su.status = ? AND EXISTS (
				SELECT 1 FROM job_executions je
				WHERE je.correlation_id = su.correlation_id AND je.finalized = 1
			)
		)
		ORDER BY su.id
		LIMIT ?
	`

	var records []StatusRecord
	if err := s.db.SelectContext(ctx, &records, query, string(model.StatusRunning), limit); err != nil {
		return nil, fmt.Errorf("failed to fetch pending status updates: %w", err)
	}

	return records, nil
}

// PendingLogs fetches up to limit unsynced log records, oldest first.
func (s *Store) PendingLogs(ctx context.Context, limit int) ([]LogRecord, error) {
	query := `
		SELECT id, correlation_id, worker_id, timestamp, level,
		       message, category, exception_type, data, sync_attempts, created_at
		FROM job_logs
		ORDER BY id
		LIMIT ?
	`

	var records []LogRecord
	if err := s.db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("failed to fetch pending logs: %w", err)
	}

	return records, nil
}

// DeleteStatus removes a status update after a successful sync. Deletion is
// the synced marker, there is no intermediate state.
func (s *Store) DeleteStatus(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM status_updates WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete status update: %w", err)
	}
	return nil
}

// DeleteLog removes a log record after a successful sync.
func (s *Store) DeleteLog(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_logs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete job log: %w", err)
	}
	return nil
}

// BumpStatusSyncAttempts increments the sync counter for a status update and
// drops the record once the cap is reached. Reports whether it was dropped.
func (s *Store) BumpStatusSyncAttempts(ctx context.Context, id int64, maxAttempts int) (bool, error) {
	return s.bumpSyncAttempts(ctx, "status_updates", id, maxAttempts)
}

// BumpLogSyncAttempts increments the sync counter for a log record and drops
// the record once the cap is reached. Reports whether it was dropped.
func (s *Store) BumpLogSyncAttempts(ctx context.Context, id int64, maxAttempts int) (bool, error) {
	return s.bumpSyncAttempts(ctx, "job_logs", id, maxAttempts)
}

func (s *Store) bumpSyncAttempts(ctx context.Context, table string, id int64, maxAttempts int) (bool, error) {
	update := fmt.Sprintf(`UPDATE %s SET sync_attempts = sync_attempts + 1 WHERE id = ?`, table)
	if _, err := s.db.ExecContext(ctx, update, id); err != nil {
		return false, fmt.Errorf("failed to increment sync attempts: %w", err)
	}

	drop := fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND sync_attempts >= ?`, table)
	result, err := s.db.ExecContext(ctx, drop, id, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to drop exhausted record: %w", err)
	}

	dropped, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if dropped > 0 {
		s.logger.Warn("Dropping record after exhausting sync attempts",
			slog.String("table", table),
			slog.Int64("record_id", id),
			slog.Int("max_attempts", maxAttempts),
		)
	}

	return dropped > 0, nil
}

// PurgeExpired removes unsynced records and finalized executions older than
// the cutoff. Returns the total number of rows removed.
func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64

	for _, query := range []string{
		`DELETE FROM status_updates WHERE created_at < ?`,
		`DELETE FROM job_logs WHERE created_at < ?`,
	} {
		result, err := s.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			return purged, fmt.Errorf("failed to purge expired records: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return purged, fmt.Errorf("failed to get rows affected: %w", err)
		}
		purged += n
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM job_executions WHERE finalized = 1 AND completed_at < ?`, cutoff)
	if err != nil {
		return purged, fmt.Errorf("failed to purge finalized executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return purged, fmt.Errorf("failed to get rows affected: %w", err)
	}
	purged += n

	if purged > 0 {
		s.logger.Info("Purged expired outbox records",
			slog.Int64("purged", purged),
			slog.Time("cutoff", cutoff),
		)
	}

	return purged, nil
}

// RecordStart creates the execution record for a correlation id. A redelivery
// of a not-yet-finalized message resets the start and heartbeat timestamps.
func (s *Store) RecordStart(ctx context.Context, correlationID, jobID, jobType, workerID string) error {
	query := `
		INSERT INTO job_executions (
			correlation_id, job_id, job_type, worker_id, started_at, last_heartbeat_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			started_at = excluded.started_at,
			last_heartbeat_at = excluded.last_heartbeat_at
		WHERE finalized = 0
	`

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, query, correlationID, jobID, jobType, workerID, now, now); err != nil {
		return fmt.Errorf("failed to record execution start: %w", err)
	}

	return nil
}

// Heartbeat refreshes the liveness timestamp of a running execution.
func (s *Store) Heartbeat(ctx context.Context, correlationID string) error {
	query := `
		UPDATE job_executions
		SET last_heartbeat_at = ?
		WHERE correlation_id = ? AND finalized = 0
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), correlationID)
	if err != nil {
		return fmt.Errorf("failed to update execution heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Execution heartbeat had no effect, record missing or finalized",
			slog.String("correlation_id", correlationID),
		)
	}

	return nil
}

// Finalize seals an execution with its terminal status. The first call wins;
// later calls for the same correlation id are no-ops so a finalized record is
// never overwritten.
func (s *Store) Finalize(ctx context.Context, correlationID string, status model.JobStatus) error {
	query := `
		UPDATE job_executions
		SET completed_at = ?, final_status = ?, finalized = 1
		WHERE correlation_id = ? AND finalized = 0
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), string(status), correlationID)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Debug("Finalize skipped, execution already finalized or unknown",
			slog.String("correlation_id", correlationID),
			slog.String("status", string(status)),
		)
	}

	return nil
}

// IsFinalized reports whether a correlation id has already run to a terminal
// status. Unknown correlation ids report false.
func (s *Store) IsFinalized(ctx context.Context, correlationID string) (bool, error) {
	var finalized bool
	err := s.db.GetContext(ctx, &finalized,
		`SELECT finalized FROM job_executions WHERE correlation_id = ?`, correlationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to query finalized flag: %w", err)
	}

	return finalized, nil
}

// Execution fetches one execution record, or nil when unknown.
func (s *Store) Execution(ctx context.Context, correlationID string) (*ExecutionRecord, error) {
	var record ExecutionRecord
	err := s.db.GetContext(ctx, &record,
		`SELECT * FROM job_executions WHERE correlation_id = ?`, correlationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch execution: %w", err)
	}

	return &record, nil
}

// ListExecutions returns the most recent execution records.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	query := `
		SELECT * FROM job_executions
		ORDER BY started_at DESC
		LIMIT ?
	`

	var records []ExecutionRecord
	if err := s.db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return records, nil
}

// CollectStats counts pending records and executions for health reporting.
func (s *Store) CollectStats(ctx context.Context) (Stats, error) {
	var stats Stats

	counts := []struct {
		dest  *int64
		query string
	}{
		{&stats.PendingStatusUpdates, `SELECT COUNT(*) FROM status_updates`},
		{&stats.PendingLogs, `SELECT COUNT(*) FROM job_logs`},
		{&stats.ActiveExecutions, `SELECT COUNT(*) FROM job_executions WHERE finalized = 0`},
		{&stats.FinalizedExecutions, `SELECT COUNT(*) FROM job_executions WHERE finalized = 1`},
	}

	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dest, c.query); err != nil {
			return Stats{}, fmt.Errorf("failed to collect outbox stats: %w", err)
		}
	}

	return stats, nil
}
