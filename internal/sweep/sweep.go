// Package sweep re-enqueues jobs that stopped making progress.
//
// A job can be orphaned when its dispatch message is lost (Redis restart
// without persistence, a message dead-lettered by hand, a crash between
// job creation and enqueue). The sweep finds non-terminal jobs idle for
// longer than StaleAfter and enqueues them again; the queue's active
// marker makes this a no-op for jobs that still have a live message.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/sentryal/sentryal-insar/internal/queue"
	"github.com/sentryal/sentryal-insar/internal/store"
)

// JobLister finds idle non-terminal jobs.
type JobLister interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]store.Job, error)
}

// Enqueuer dispatches a job.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.DispatchMessage, policy queue.RetryPolicy) (bool, error)
}

// Config holds sweeper settings.
type Config struct {
	Jobs  JobLister
	Queue Enqueuer

	// Policy is attached to re-enqueued messages
	Policy queue.RetryPolicy

	// StaleAfter is the idle time after which a job is re-enqueued (default: 15m)
	StaleAfter time.Duration

	// Interval between sweeps in Run (default: 5m)
	Interval time.Duration

	// BatchSize caps jobs per sweep (default: 100)
	BatchSize int

	// Now is the clock (default: time.Now)
	Now func() time.Time

	LogFn func(level, msg string)
}

// Result summarizes one sweep.
type Result struct {
	Scanned       int
	Enqueued      int
	AlreadyQueued int
	Errors        int
}

// Sweeper periodically recovers orphaned jobs.
type Sweeper struct {
	cfg Config
}

// New creates a sweeper.
func New(cfg Config) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Policy.MaxAttempts < 1 {
		cfg.Policy = queue.DefaultRetryPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{cfg: cfg}
}

func (s *Sweeper) log(level, format string, args ...any) {
	if s.cfg.LogFn != nil {
		s.cfg.LogFn(level, fmt.Sprintf(format, args...))
	}
}

// RunOnce performs a single sweep. Enqueue failures are counted and
// logged; only a failure to list jobs is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	cutoff := s.cfg.Now().Add(-s.cfg.StaleAfter)

	jobs, err := s.cfg.Jobs.ListStale(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Scanned = len(jobs)

	for _, j := range jobs {
		ok, err := s.cfg.Queue.Enqueue(ctx, queue.DispatchMessage{
			JobID:            j.ID,
			ExternalJobID:    j.ExternalJobID,
			InfrastructureID: j.InfrastructureID,
		}, s.cfg.Policy)
		switch {
		case err != nil:
			res.Errors++
			s.log("warning", "sweep: failed to re-enqueue job %s: %v", j.ID, err)
		case ok:
			res.Enqueued++
			s.log("info", "sweep: re-enqueued job %s (%s, idle since %s)", j.ID, j.Status, j.UpdatedAt.UTC().Format(time.RFC3339))
		default:
			res.AlreadyQueued++
		}
	}
	return res, nil
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if res, err := s.RunOnce(ctx); err != nil {
			s.log("warning", "sweep failed: %v", err)
		} else if res.Scanned > 0 {
			s.log("debug", "sweep: scanned %d, enqueued %d, already queued %d", res.Scanned, res.Enqueued, res.AlreadyQueued)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
