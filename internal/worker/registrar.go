package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/relayq/relayq/internal/model"
)

// AnnouncePublisher delivers registration and heartbeat messages.
type AnnouncePublisher interface {
	PublishRegistration(ctx context.Context, reg *model.WorkerRegistration) error
	PublishHeartbeat(ctx context.Context, hb *model.Heartbeat) error
}

// RegistrarOptions configures worker registration and the heartbeat loop.
type RegistrarOptions struct {
	Publisher AnnouncePublisher
	Registry  *Registry
	Logger    *slog.Logger

	WorkerID        string
	DisplayName     string
	Version         string
	MaxParallelJobs int
	Metadata        map[string]string

	// RunningJobs supplies the current load for heartbeats.
	RunningJobs func() int64

	Attempts          int
	Backoff           time.Duration
	HeartbeatInterval time.Duration
}

func (o *RegistrarOptions) validate() error {
	if o.Publisher == nil {
		return errors.New("publisher is required")
	}
	if o.Registry == nil {
		return errors.New("registry is required")
	}
	if o.Logger == nil {
		return errors.New("logger is required")
	}
	if o.WorkerID == "" {
		return errors.New("worker id is required")
	}
	return nil
}

// Registrar announces the worker to the scheduler and keeps its load view
// fresh through heartbeats. The instance id is minted once per process
// lifetime.
type Registrar struct {
	publisher AnnouncePublisher
	registry  *Registry
	logger    *slog.Logger

	workerID    string
	instanceID  string
	displayName string
	version     string
	maxParallel int
	metadata    string

	runningJobs func() int64

	attempts          int
	backoff           time.Duration
	heartbeatInterval time.Duration

	kick chan struct{}
}

func NewRegistrar(opts RegistrarOptions) (*Registrar, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid registrar options: %w", err)
	}

	if opts.DisplayName == "" {
		opts.DisplayName = opts.WorkerID
	}
	if opts.MaxParallelJobs <= 0 {
		opts.MaxParallelJobs = 4
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 10
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.RunningJobs == nil {
		opts.RunningJobs = func() int64 { return 0 }
	}

	metadata := "{}"
	if len(opts.Metadata) > 0 {
		if encoded, err := json.Marshal(opts.Metadata); err == nil {
			metadata = string(encoded)
		}
	}

	return &Registrar{
		publisher:         opts.Publisher,
		registry:          opts.Registry,
		logger:            opts.Logger.With("component", "registrar"),
		workerID:          opts.WorkerID,
		instanceID:        uuid.NewString(),
		displayName:       opts.DisplayName,
		version:           opts.Version,
		maxParallel:       opts.MaxParallelJobs,
		metadata:          metadata,
		runningJobs:       opts.RunningJobs,
		attempts:          opts.Attempts,
		backoff:           opts.Backoff,
		heartbeatInterval: opts.HeartbeatInterval,
		kick:              make(chan struct{}, 1),
	}, nil
}

// InstanceID returns the identifier minted for this process lifetime.
func (r *Registrar) InstanceID() string {
	return r.instanceID
}

// Announce publishes the registration message, retrying with a fixed backoff.
// Exhausting the attempts is an error the caller must treat as fatal: an
// unregistered worker never receives work.
func (r *Registrar) Announce(ctx context.Context) error {
	registration := r.buildRegistration()

	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.publisher.PublishRegistration(ctx, registration)
		if err == nil {
			r.logger.Info("Worker registered",
				slog.String("worker_id", r.workerID),
				slog.String("instance_id", r.instanceID),
				slog.Int("job_types", len(registration.JobTypes)),
				slog.Int("attempt", attempt),
			)
			return nil
		}

		r.logger.Warn("Registration publish failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.attempts),
			slog.Any("error", err),
		)

		if attempt < r.attempts {
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("failed to register worker after %d attempts: %w", r.attempts, err)
}

// RunHeartbeat publishes load reports on a fixed interval and immediately
// after a Kick. Publish failures are logged and retried on the next beat.
func (r *Registrar) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	r.logger.Info("Heartbeat loop started",
		slog.Duration("interval", r.heartbeatInterval),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Heartbeat loop stopped")
			return nil
		case <-ticker.C:
			r.beat(ctx)
		case <-r.kick:
			r.beat(ctx)
		}
	}
}

// Kick requests an immediate heartbeat, used after a job starts or ends so
// the scheduler's load view does not lag a full interval.
func (r *Registrar) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Registrar) beat(ctx context.Context) {
	hb := &model.Heartbeat{
		WorkerID:    r.workerID,
		InstanceID:  r.instanceID,
		CurrentJobs: int(r.runningJobs()),
		Timestamp:   time.Now().UTC(),
	}

	if err := r.publisher.PublishHeartbeat(ctx, hb); err != nil {
		r.logger.Warn("Heartbeat publish failed",
			slog.Any("error", err),
		)
		return
	}

	r.logger.Debug("Heartbeat published",
		slog.Int("current_jobs", hb.CurrentJobs),
	)
}

func (r *Registrar) buildRegistration() *model.WorkerRegistration {
	hostName, err := os.Hostname()
	if err != nil {
		hostName = "unknown"
	}

	return &model.WorkerRegistration{
		WorkerID:           r.workerID,
		InstanceID:         r.instanceID,
		DisplayName:        r.displayName,
		HostName:           hostName,
		IPAddress:          localIPAddress(),
		RoutingPatterns:    r.registry.RoutingPatterns(r.workerID),
		JobDataDefinitions: r.registry.DataDefinitions(),
		JobTypes:           r.registry.JobTypes(),
		MaxParallelJobs:    r.maxParallel,
		Version:            r.version,
		Metadata:           r.metadata,
	}
}

// localIPAddress picks the first non-loopback IPv4 address, falling back to
// loopback when the host has none.
func localIPAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip := ipNet.IP.To4(); ip != nil {
			return ip.String()
		}
	}

	return "127.0.0.1"
}
