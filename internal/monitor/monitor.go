// Package monitor tracks broker reachability so publishers can choose
// between the direct-publish and local-persist paths without dialing first.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Probe checks the broker. Implementations should reuse an open connection
// when one exists and only dial (with a short timeout) when it does not.
type Probe func(ctx context.Context) error

// Options holds the dependencies for creating a Monitor.
type Options struct {
	Probe        Probe
	Interval     time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger

	// OnRecover is invoked after an unhealthy-to-healthy transition,
	// synchronously from the probing goroutine.
	OnRecover func()
}

func validateOptions(opts *Options) error {
	if opts.Probe == nil {
		return errors.New("probe is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// Monitor keeps a continuously refreshed health boolean. The probe itself
// never propagates failures; any probe error just degrades the boolean.
type Monitor struct {
	opts Options

	mu      sync.RWMutex
	healthy bool
}

// New creates a Monitor. The boolean starts unhealthy until the first probe.
func New(opts Options) (*Monitor, error) {
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}
	return &Monitor{opts: opts}, nil
}

// Run probes immediately and then on every tick until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.opts.Logger.Info("Starting connection health monitor",
		slog.Duration("interval", m.opts.Interval),
	)

	m.Refresh(ctx)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.opts.Logger.Info("Connection health monitor stopping")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Healthy returns the last observed broker health.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Refresh probes on demand and returns the new health value. Callers that
// cannot wait for the next tick use this before deciding a publish path.
func (m *Monitor) Refresh(ctx context.Context) bool {
	healthy := m.probe(ctx)

	m.mu.Lock()
	previous := m.healthy
	m.healthy = healthy
	m.mu.Unlock()

	switch {
	case healthy && !previous:
		m.opts.Logger.Info("Broker connection recovered")
		if m.opts.OnRecover != nil {
			m.opts.OnRecover()
		}
	case !healthy && previous:
		m.opts.Logger.Warn("Broker connection lost")
	}

	return healthy
}

// probe runs the configured probe under a timeout, converting every kind of
// failure, panics included, into an unhealthy result.
func (m *Monitor) probe(ctx context.Context) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Logger.Error("Health probe panicked",
				slog.Any("panic", r),
			)
			healthy = false
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	if err := m.opts.Probe(probeCtx); err != nil {
		m.opts.Logger.Debug("Health probe failed",
			slog.Any("error", err),
		)
		return false
	}
	return true
}
