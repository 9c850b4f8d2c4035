package worker

import (
	"context"
	"time"
)

// JobSource defines the interface for fetching jobs from a queue/stream.
// The primary implementation is RedisSource (Redis Streams).
type JobSource interface {
	// Name returns the source identifier (e.g., "redis")
	Name() string

	// Connect establishes connection to the job source.
	// This should be called before Next().
	Connect(ctx context.Context) error

	// Next blocks until a job is available or context is cancelled.
	// Returns nil job (no error) if no job is available within timeout.
	// The job is claimed by this worker and must be Ack'd, Retried or Nack'd.
	// Next is safe for concurrent use.
	Next(ctx context.Context) (*Job, error)

	// Ack acknowledges the delivery. The job will not be redelivered.
	Ack(ctx context.Context, job *Job) error

	// Retry acknowledges the delivery and schedules the next one after delay.
	Retry(ctx context.Context, job *Job, delay time.Duration) error

	// Nack dead-letters the delivery.
	Nack(ctx context.Context, job *Job, err error) error

	// Close cleanly disconnects from the job source.
	Close() error
}
