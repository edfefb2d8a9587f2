package cache

import (
	"context"
	"log/slog"

	"github.com/relayq/relayq/internal/breaker"
	"github.com/relayq/relayq/internal/model"
)

// Guarded wraps a StatusCache with a circuit breaker. The cache is a
// convenience view, never the source of truth, so writes degrade to no-ops
// and reads to misses while the cache is unhealthy.
type Guarded struct {
	inner   StatusCache
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// NewGuarded creates a breaker-protected StatusCache
func NewGuarded(inner StatusCache, b *breaker.Breaker, logger *slog.Logger) *Guarded {
	return &Guarded{inner: inner, breaker: b, logger: logger}
}

// SetStatus writes through the breaker; when the cache is failing the write
// is skipped rather than surfaced as an error
func (g *Guarded) SetStatus(ctx context.Context, update *model.StatusUpdate) error {
	return g.breaker.Do(ctx,
		func(ctx context.Context) error {
			return g.inner.SetStatus(ctx, update)
		},
		func(ctx context.Context) error {
			g.logger.Debug("Skipping status cache write",
				slog.String("correlation_id", update.CorrelationID),
			)
			return nil
		},
	)
}

// GetStatus reads through the breaker; an unhealthy cache reads as a miss
func (g *Guarded) GetStatus(ctx context.Context, correlationID string) (*model.StatusUpdate, error) {
	var update *model.StatusUpdate
	err := g.breaker.Do(ctx,
		func(ctx context.Context) error {
			found, err := g.inner.GetStatus(ctx, correlationID)
			if err != nil {
				return err
			}
			update = found
			return nil
		},
		func(ctx context.Context) error {
			update = nil
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return update, nil
}

// Ping checks the cache through the breaker. No fallback: an open circuit is
// reported as an error so health output reflects the real cache state.
func (g *Guarded) Ping(ctx context.Context) error {
	return g.breaker.Do(ctx, g.inner.Ping, nil)
}

// Counts exposes the breaker counters for diagnostics
func (g *Guarded) Counts() breaker.Counts {
	return g.breaker.Counts()
}

var _ StatusCache = (*Guarded)(nil)
