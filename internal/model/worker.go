package model

import "time"

// WorkerRegistration announces a worker's identity and capabilities to the
// scheduler. Sent on startup and again after every broker reconnect.
type WorkerRegistration struct {
	WorkerID           string            `json:"workerId"`
	InstanceID         string            `json:"instanceId"`
	DisplayName        string            `json:"displayName"`
	HostName           string            `json:"hostName"`
	IPAddress          string            `json:"ipAddress"`
	RoutingPatterns    map[string]string `json:"routingPatterns"`
	JobDataDefinitions map[string]string `json:"jobDataDefinitions"`
	JobTypes           []string          `json:"jobTypes"`
	MaxParallelJobs    int               `json:"maxParallelJobs"`
	Version            string            `json:"version"`
	Metadata           string            `json:"metadata"`
}

// Heartbeat reports worker liveness and current load.
type Heartbeat struct {
	WorkerID    string    `json:"workerId"`
	InstanceID  string    `json:"instanceId"`
	CurrentJobs int       `json:"currentJobs"`
	Timestamp   time.Time `json:"timestamp"`
}

// CancellationRequest asks whichever worker instance holds the correlation id
// to stop the matching in-flight job. Advisory, fire-and-forget.
type CancellationRequest struct {
	CorrelationID string `json:"correlationId"`
	JobID         string `json:"jobId"`
	Reason        string `json:"reason"`
}
