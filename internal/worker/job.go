// Package worker provides the job processing runtime of Sentryal workers.
//
// It separates where deliveries come from (a JobSource) from what is done
// with them (a JobHandler):
//
//	JobSource (redis) → Runner → JobHandler → StreamWriter (optional)
//
// The Runner orchestrates the processing loop:
//  1. Connect to job source
//  2. Fetch next delivery (blocking)
//  3. Dispatch to the handler for its type
//  4. Ack, Retry or dead-letter based on the result
//  5. Repeat
//
// A delivery is one attempt at advancing a job. Long-running external work
// is polled by returning JobStatusRetry, which schedules the next delivery.
package worker

import "time"

// Job is one delivery of a queued job.
type Job struct {
	// ID is the job id in the job store
	ID string

	// Type determines which handler processes this job
	Type string

	// ExternalID is the processing service's id, if the job was submitted.
	// Handlers update it so the next delivery carries it.
	ExternalID *string

	// InfrastructureID is the infrastructure the job belongs to
	InfrastructureID string

	// Source identifies where this job came from (for logging/debugging)
	Source string

	// MessageID is the source-specific message identifier (for ack)
	MessageID string

	Metadata JobMetadata

	// delivery is the source's handle for this job
	delivery any
}

// JobMetadata describes the delivery.
type JobMetadata struct {
	// EnqueuedAt is when the job was first queued
	EnqueuedAt time.Time

	// Attempt is the 1-based delivery attempt
	Attempt int

	// MaxAttempts bounds redeliveries of the job
	MaxAttempts int

	// RetryDelay is the pause before a redelivery
	RetryDelay time.Duration
}

// JobResult contains the outcome of one delivery.
type JobResult struct {
	// Status is the delivery outcome
	Status JobStatus

	// Output is the result data (handler-specific)
	Output map[string]any

	// Error contains error details if status is not success
	Error error

	// RetryAfter overrides the redelivery delay for JobStatusRetry
	RetryAfter time.Duration

	// StoreStatus is the job's persisted status after the delivery
	StoreStatus string

	// Duration is how long the delivery took to process
	Duration time.Duration
}

// JobStatus represents the outcome of a delivery.
type JobStatus string

const (
	// JobStatusSuccess indicates the job reached a successful end
	JobStatusSuccess JobStatus = "success"

	// JobStatusFailure indicates the job failed permanently (acked, not retried)
	JobStatusFailure JobStatus = "failure"

	// JobStatusRetry indicates the job needs another delivery
	JobStatusRetry JobStatus = "retry"

	// JobStatusSkipped indicates there was nothing to do (acked)
	JobStatusSkipped JobStatus = "skipped"
)
