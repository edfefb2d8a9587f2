package cancel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/relayq/relayq/internal/model"
)

// ListenerOptions holds the dependencies for creating a Listener.
type ListenerOptions struct {
	Client   redis.UniversalClient
	Channel  string
	Registry *Registry
	Logger   *slog.Logger
}

func validateListenerOptions(opts *ListenerOptions) error {
	if opts.Client == nil {
		return errors.New("redis client is required")
	}
	if opts.Channel == "" {
		return errors.New("channel is required")
	}
	if opts.Registry == nil {
		return errors.New("registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// Listener subscribes to the cancellation pub/sub channel and triggers the
// matching controller. Requests for jobs not running on this instance are
// logged at debug level and dropped, which is the normal case in a
// multi-worker deployment.
type Listener struct {
	client   redis.UniversalClient
	channel  string
	registry *Registry
	logger   *slog.Logger
}

// NewListener creates a Listener
func NewListener(opts ListenerOptions) (*Listener, error) {
	if err := validateListenerOptions(&opts); err != nil {
		return nil, err
	}
	return &Listener{
		client:   opts.Client,
		channel:  opts.Channel,
		registry: opts.Registry,
		logger:   opts.Logger,
	}, nil
}

// Run subscribes and dispatches cancellation requests until the context ends
func (l *Listener) Run(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, l.channel)
	defer pubsub.Close()

	// Force the subscription before reporting started
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", l.channel, err)
	}

	l.logger.Info("Cancellation listener started",
		slog.String("channel", l.channel),
	)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Cancellation listener stopping")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return errors.New("cancellation subscription closed")
			}
			l.handle(msg.Payload)
		}
	}
}

// handle processes one raw pub/sub payload
func (l *Listener) handle(payload string) {
	var req model.CancellationRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		l.logger.Warn("Dropping malformed cancellation request",
			slog.Any("error", err),
		)
		return
	}

	if req.CorrelationID == "" {
		l.logger.Warn("Dropping cancellation request without correlation id")
		return
	}

	cause := &Cancellation{JobID: req.JobID, Reason: req.Reason}
	if l.registry.Cancel(req.CorrelationID, cause) {
		l.logger.Info("Cancellation delivered to running job",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("job_id", req.JobID),
			slog.String("reason", req.Reason),
		)
		return
	}

	l.logger.Debug("Cancellation request for job not running here",
		slog.String("correlation_id", req.CorrelationID),
	)
}

// Publisher sends cancellation requests on the shared pub/sub channel.
type Publisher struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewPublisher creates a Publisher
func NewPublisher(client redis.UniversalClient, channel string, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, channel: channel, logger: logger}
}

// RequestCancel broadcasts a cancellation request. Fire-and-forget: there is
// no delivery guarantee beyond currently-subscribed instances.
func (p *Publisher) RequestCancel(ctx context.Context, req model.CancellationRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode cancellation request: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish cancellation request: %w", err)
	}

	p.logger.Info("Cancellation requested",
		slog.String("correlation_id", req.CorrelationID),
		slog.String("job_id", req.JobID),
	)
	return nil
}
