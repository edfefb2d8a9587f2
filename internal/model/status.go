package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the execution status reported back to the scheduler.
type JobStatus string

// Job status values
const (
	StatusRunning   JobStatus = "Running"
	StatusSucceeded JobStatus = "Succeeded"
	StatusFailed    JobStatus = "Failed"
	StatusCancelled JobStatus = "Cancelled"
	StatusTimedOut  JobStatus = "TimedOut"
)

// Terminal reports whether the status ends an execution attempt.
func (s JobStatus) Terminal() bool {
	return s != StatusRunning
}

// StatusUpdate reports the state of one execution attempt, keyed by
// correlation id so the scheduler can deduplicate redeliveries.
type StatusUpdate struct {
	CorrelationID    string          `json:"correlationId"`
	JobID            string          `json:"jobId"`
	WorkerID         string          `json:"workerId"`
	Status           JobStatus       `json:"status"`
	StartTime        *time.Time      `json:"startTime,omitempty"`
	EndTime          *time.Time      `json:"endTime,omitempty"`
	DurationMs       *int64          `json:"durationMs,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Exception        string          `json:"exception,omitempty"`
	MessageTimestamp time.Time       `json:"messageTimestamp"`
}

// LogEntry is a single structured log line attached to an execution attempt.
type LogEntry struct {
	Timestamp     time.Time       `json:"timestamp"`
	Level         string          `json:"level"`
	Message       string          `json:"message"`
	Category      string          `json:"category,omitempty"`
	ExceptionType string          `json:"exceptionType,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// LogMessage is the wire envelope for a LogEntry.
type LogMessage struct {
	CorrelationID    string    `json:"correlationId"`
	WorkerID         string    `json:"workerId"`
	Log              LogEntry  `json:"log"`
	MessageTimestamp time.Time `json:"messageTimestamp"`
}
