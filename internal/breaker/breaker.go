package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit is open and no fallback was
// supplied. Callers can distinguish it from the underlying operation error.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state
type State int

// Circuit breaker states
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Operation is a protected call
type Operation func(ctx context.Context) error

// Options configures a Breaker
type Options struct {
	// FailureThreshold opens the circuit after this many consecutive failures
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing one trial
	Cooldown time.Duration
	Logger   *slog.Logger
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Counts is a snapshot of breaker counters for diagnostics
type Counts struct {
	State               State
	ConsecutiveFailures int
	TotalOperations     uint64
	TotalFailures       uint64
	LastFailure         time.Time
}

// Breaker protects an unreliable dependency. After FailureThreshold
// consecutive failures it opens and fails fast (or runs the fallback) until
// the cooldown elapses, then admits a single trial call. Cancellation errors
// pass through without counting as circuit failures.
type Breaker struct {
	opts Options

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailure         time.Time
	trialInFlight       bool
	totalOperations     uint64
	totalFailures       uint64
}

// New creates a Breaker
func New(opts Options) *Breaker {
	return &Breaker{opts: opts.withDefaults(), state: StateClosed}
}

// Do runs op under the breaker. When the circuit rejects the call or op
// fails, a non-nil fallback supplies the result instead.
func (b *Breaker) Do(ctx context.Context, op Operation, fallback Operation) error {
	if !b.admit() {
		if fallback != nil {
			return fallback(ctx)
		}
		return ErrCircuitOpen
	}

	err := op(ctx)

	if err != nil && isCancellation(err) {
		// Not an infrastructure failure, leave the circuit untouched
		b.endTrial()
		return err
	}

	if err != nil {
		b.recordFailure()
		if fallback != nil {
			return fallback(ctx)
		}
		return err
	}

	b.recordSuccess()
	return nil
}

// admit decides whether the call may proceed, moving Open to HalfOpen when
// the cooldown has elapsed
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalOperations++

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) < b.opts.Cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		b.opts.Logger.Debug("Circuit breaker half-open, admitting trial call")
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.opts.Logger.Info("Circuit breaker closed",
			slog.String("previous_state", b.state.String()),
		)
	}
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecutiveFailures++
	b.lastFailure = time.Now()

	switch {
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.trialInFlight = false
		b.opts.Logger.Warn("Circuit breaker reopened after failed trial")
	case b.consecutiveFailures >= b.opts.FailureThreshold:
		if b.state != StateOpen {
			b.opts.Logger.Warn("Circuit breaker opened",
				slog.Int("consecutive_failures", b.consecutiveFailures),
			)
		}
		b.state = StateOpen
	}
}

// endTrial releases the half-open trial slot without deciding the outcome
func (b *Breaker) endTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns a snapshot of the breaker counters
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalOperations:     b.totalOperations,
		TotalFailures:       b.totalFailures,
		LastFailure:         b.lastFailure,
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
