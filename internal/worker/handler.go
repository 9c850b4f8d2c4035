package worker

import "context"

// JobHandler processes jobs of a specific type.
// Handlers are registered with the Runner and dispatched based on CanHandle().
type JobHandler interface {
	// CanHandle returns true if this handler can process the given job type.
	CanHandle(jobType string) bool

	// Execute processes one delivery.
	// The stream parameter publishes lifecycle events (never nil).
	// A returned error means the delivery could not be processed at all and
	// is retried after the job's retry delay.
	Execute(ctx context.Context, job *Job, stream StreamWriter) (*JobResult, error)
}

// StreamWriter publishes job lifecycle events to subscribers.
// For Redis sources, this publishes to Redis Pub/Sub.
type StreamWriter interface {
	// WriteStart signals the beginning of a delivery.
	WriteStart(message string) error

	// WriteProgress reports a status change within a delivery.
	WriteProgress(status string, data map[string]any) error

	// WriteEnd signals successful job completion with final result.
	WriteEnd(result map[string]any) error

	// WriteError signals a failed delivery.
	WriteError(err error, recoverable bool) error
}

// NoOpStreamWriter is a StreamWriter that does nothing.
// Used when streaming is not supported or needed.
type NoOpStreamWriter struct{}

func (n *NoOpStreamWriter) WriteStart(message string) error                        { return nil }
func (n *NoOpStreamWriter) WriteProgress(status string, data map[string]any) error { return nil }
func (n *NoOpStreamWriter) WriteEnd(result map[string]any) error                   { return nil }
func (n *NoOpStreamWriter) WriteError(err error, recoverable bool) error           { return nil }

// Ensure NoOpStreamWriter implements StreamWriter
var _ StreamWriter = (*NoOpStreamWriter)(nil)
