package model

import (
	"encoding/json"
	"time"
)

// JobMessage is the wire representation of a dispatched job. It is owned by
// the producer and immutable once published; the consumer only references it
// for the duration of one execution attempt.
type JobMessage struct {
	ID             string          `json:"id"`
	JobType        string          `json:"jobType"`
	JobData        json.RawMessage `json:"jobData,omitempty"`
	ExecuteAt      time.Time       `json:"executeAt"`
	CronExpression string          `json:"cronExpression,omitempty"`
	RoutingPattern string          `json:"routingPattern,omitempty"`
	WorkerAffinity string          `json:"workerAffinity,omitempty"`
}

// DeadLetterMessage is the payload published to the dead-letter exchange when
// a job exhausts its retries or fails permanently. It carries the full
// original job so the message can be replayed without a lookup.
type DeadLetterMessage struct {
	JobMessage
	Exception string    `json:"exception"`
	Status    JobStatus `json:"status"`
}
