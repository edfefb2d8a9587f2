// Package mq owns the wire-level topology: exchange and queue names, routing
// key synthesis, declarations, and the publishers for every message stream.
package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange, queue, and channel names shared by every producer and worker.
const (
	// JobsExchange is the topic exchange all job messages flow through
	JobsExchange = "relayq.jobs"
	// DeadLetterExchange receives jobs that exhausted retries or failed permanently
	DeadLetterExchange = "relayq.jobs.dlx"
	// DeadLetterQueue is the single shared queue bound to the dead-letter exchange
	DeadLetterQueue = "relayq.jobs.dead"
	// DeadLetterRoutingKey binds the dead-letter queue to its exchange
	DeadLetterRoutingKey = "dead"

	// StatusQueue carries status update messages to the scheduler
	StatusQueue = "relayq.status"
	// LogQueue carries job log messages to the scheduler
	LogQueue = "relayq.logs"
	// RegistrationQueue carries worker registration announcements
	RegistrationQueue = "relayq.workers.registration"
	// HeartbeatQueue carries worker heartbeats
	HeartbeatQueue = "relayq.workers.heartbeat"

	// CancelChannel is the Redis pub/sub channel for cancellation requests
	CancelChannel = "relayq:jobs:cancel"

	jobQueuePrefix = "relayq.jobs."
)

// Broker is the subset of the AMQP client the topology and publishers use.
type Broker interface {
	DeclareExchange(name, kind string) error
	DeclareQueue(name string, args amqp.Table) error
	BindQueue(queue, routingKey, exchange string) error
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	IsConnected() bool
}

// NormalizeToken lowercases a name and reduces it to characters that are safe
// inside a routing key segment. Whitespace and underscores become hyphens,
// anything else outside [a-z0-9.-] is dropped.
func NormalizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '\t', r == '_':
			b.WriteRune('-')
		}
	}

	return b.String()
}

// RoutingKeyFor derives the routing key for a job: an explicit per-job
// pattern wins, otherwise `{workerId}.{normalizedJobType}.job` is synthesized
// from the job's worker affinity.
func RoutingKeyFor(jobType, routingPattern, workerAffinity string) string {
	if routingPattern != "" {
		return routingPattern
	}

	affinity := NormalizeToken(workerAffinity)
	if affinity == "" {
		affinity = "any"
	}

	return fmt.Sprintf("%s.%s.job", affinity, NormalizeToken(jobType))
}

// QueueNameFor derives a worker queue name from its binding pattern. AMQP
// wildcards are spelled out because they are not meaningful in queue names.
func QueueNameFor(pattern string) string {
	suffix := strings.NewReplacer("*", "any", "#", "all").Replace(pattern)
	return jobQueuePrefix + NormalizeToken(suffix)
}

// DeclarePublishTopology declares the exchanges and the dead-letter queue,
// the producer-side subset of the job topology. Worker queues are declared by
// the instances that consume them. All declarations are idempotent.
func DeclarePublishTopology(b Broker) error {
	if err := b.DeclareExchange(JobsExchange, "topic"); err != nil {
		return err
	}
	if err := b.DeclareExchange(DeadLetterExchange, "direct"); err != nil {
		return err
	}
	if err := b.DeclareQueue(DeadLetterQueue, nil); err != nil {
		return err
	}
	return b.BindQueue(DeadLetterQueue, DeadLetterRoutingKey, DeadLetterExchange)
}

// DeclareJobTopology declares the jobs exchange, the dead-letter pair, and
// one worker queue bound with every given pattern. The queue carries
// dead-letter arguments so a broker-level rejection lands in the DLQ without
// an explicit publish.
func DeclareJobTopology(b Broker, queuePattern string, bindPatterns ...string) (string, error) {
	if err := DeclarePublishTopology(b); err != nil {
		return "", err
	}

	queueName := QueueNameFor(queuePattern)
	args := amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": DeadLetterRoutingKey,
	}
	if err := b.DeclareQueue(queueName, args); err != nil {
		return "", err
	}

	patterns := bindPatterns
	if len(patterns) == 0 {
		patterns = []string{queuePattern}
	}
	for _, pattern := range patterns {
		if err := b.BindQueue(queueName, pattern, JobsExchange); err != nil {
			return "", err
		}
	}

	return queueName, nil
}

// DeclareAdminQueues declares the status, log, registration, and heartbeat
// queues. They hang off the default exchange, so no bindings are needed.
func DeclareAdminQueues(b Broker) error {
	for _, queue := range []string{StatusQueue, LogQueue, RegistrationQueue, HeartbeatQueue} {
		if err := b.DeclareQueue(queue, nil); err != nil {
			return err
		}
	}
	return nil
}
