// internal/jobs/handler.go
//
// Package jobs holds the job handlers run by Sentryal workers.
package jobs

import (
	"context"
	"fmt"

	"github.com/sentryal/sentryal-insar/internal/ingest"
	"github.com/sentryal/sentryal-insar/internal/store"
)

// JobContext holds resources shared by handlers.
type JobContext struct {
	// LogFn is an optional callback for logging (if nil, silent)
	LogFn func(level, msg string)
}

// Log outputs a message through LogFn.
func (c *JobContext) Log(level, format string, args ...any) {
	if c.LogFn != nil {
		c.LogFn(level, fmt.Sprintf(format, args...))
	}
}

// JobStore is the part of the job store a handler drives.
type JobStore interface {
	Get(ctx context.Context, id string) (*store.Job, error)
	Transition(ctx context.Context, jobID string, from []store.JobStatus, to store.JobStatus, upd store.JobUpdate) (*store.Job, error)
}

// PointLister lists the points of an infrastructure.
type PointLister interface {
	ListPoints(ctx context.Context, infrastructureID string) ([]store.Point, error)
}

// Ingestor stores parsed measurements for a job, and discards them when
// the job ends without succeeding.
type Ingestor interface {
	Ingest(ctx context.Context, jobID string, ms []ingest.Measurement) (ingest.Stats, error)
	Discard(ctx context.Context, jobID string) (int64, error)
}

var (
	_ JobStore    = (*store.JobStore)(nil)
	_ PointLister = (*store.InfrastructureStore)(nil)
	_ Ingestor    = (*ingest.Ingestor)(nil)
)
