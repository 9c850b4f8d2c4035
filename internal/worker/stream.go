package worker

import (
	"context"

	"github.com/sentryal/sentryal-insar/internal/queue"
)

// RedisStreamWriter implements StreamWriter using Redis Pub/Sub.
// Each event is also mirrored into the job's status hash.
type RedisStreamWriter struct {
	queue *queue.Queue
	jobID string
	ctx   context.Context
}

// NewRedisStreamWriter creates a new Redis-backed stream writer.
func NewRedisStreamWriter(ctx context.Context, q *queue.Queue, jobID string) *RedisStreamWriter {
	return &RedisStreamWriter{
		queue: q,
		jobID: jobID,
		ctx:   ctx,
	}
}

// WriteStart signals the beginning of a delivery.
func (w *RedisStreamWriter) WriteStart(message string) error {
	w.queue.SetJobStatus(w.ctx, w.jobID, "processing", nil)
	return w.queue.PublishEvent(w.ctx, w.jobID, "start", map[string]any{"message": message})
}

// WriteProgress reports a status change within a delivery.
func (w *RedisStreamWriter) WriteProgress(status string, data map[string]any) error {
	w.queue.SetJobStatus(w.ctx, w.jobID, status, nil)
	payload := map[string]any{"status": status}
	for k, v := range data {
		payload[k] = v
	}
	return w.queue.PublishEvent(w.ctx, w.jobID, "progress", payload)
}

// WriteEnd signals successful job completion with final result.
func (w *RedisStreamWriter) WriteEnd(result map[string]any) error {
	w.queue.SetJobStatus(w.ctx, w.jobID, "completed", nil)
	return w.queue.PublishEvent(w.ctx, w.jobID, "end", result)
}

// WriteError signals a failed delivery.
func (w *RedisStreamWriter) WriteError(err error, recoverable bool) error {
	if !recoverable {
		w.queue.SetJobStatus(w.ctx, w.jobID, "failed", map[string]any{"error": err.Error()})
	}
	return w.queue.PublishEvent(w.ctx, w.jobID, "error", map[string]any{
		"error":       err.Error(),
		"recoverable": recoverable,
	})
}

// Ensure RedisStreamWriter implements StreamWriter
var _ StreamWriter = (*RedisStreamWriter)(nil)

// CreateRedisStreamWriterFactory returns a factory function for creating Redis stream writers.
// This is used with Runner.WithStreamWriterFactory().
func CreateRedisStreamWriterFactory(ctx context.Context, source *RedisSource) func(job *Job) StreamWriter {
	return func(job *Job) StreamWriter {
		return NewRedisStreamWriter(ctx, source.Queue(), job.ID)
	}
}
