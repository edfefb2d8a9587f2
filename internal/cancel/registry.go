// Package cancel propagates external cancellation requests to the worker
// instance currently running the targeted job.
package cancel

import (
	"context"
	"sync"
)

// Cancellation is the context cause attached when a job is stopped by a
// remote request, letting the consumer distinguish it from a timeout.
type Cancellation struct {
	JobID  string
	Reason string
}

func (c *Cancellation) Error() string {
	if c.Reason == "" {
		return "job cancelled"
	}
	return "job cancelled: " + c.Reason
}

// Registry maps correlation ids to the cancellation controllers of in-flight
// jobs. Entries live from job start to job end; a request for an id that is
// not present is a no-op.
type Registry struct {
	mu          sync.Mutex
	controllers map[string]context.CancelCauseFunc
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]context.CancelCauseFunc)}
}

// Register tracks the cancellation controller for a starting job
func (r *Registry) Register(correlationID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[correlationID] = cancel
}

// Release removes the controller for a finished job. Safe to call for ids
// that were never registered or were already released.
func (r *Registry) Release(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, correlationID)
}

// Cancel triggers the controller for the given correlation id and reports
// whether one was present.
func (r *Registry) Cancel(correlationID string, cause error) bool {
	r.mu.Lock()
	cancel, ok := r.controllers[correlationID]
	if ok {
		delete(r.controllers, correlationID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	cancel(cause)
	return true
}

// Size returns the number of registered controllers
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}
