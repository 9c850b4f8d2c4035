// Package usage journals worker deliveries in a local SQLite database and
// syncs them to Redis in the background.
package usage

import "time"

// DeliveryRecord captures one worker delivery of a dispatch message.
type DeliveryRecord struct {
	// Database ID (set after insert)
	ID int64

	// Delivery identification
	MessageID string
	JobID     string
	JobType   string
	Attempt   int

	// Outcome is "success", "failed", "retry", "skipped" or "dead_letter"
	Outcome      string
	ErrorMessage string

	// JobStatus is the job's store status after the delivery, if known
	JobStatus string

	// Timing
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64

	// WorkerID is the consumer that handled the delivery
	WorkerID string

	// Sync status
	Synced bool
}
