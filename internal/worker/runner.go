package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentryal/sentryal-insar/internal/usage"
)

// Runner orchestrates job processing from a source through handlers.
type Runner struct {
	source   JobSource
	handlers []JobHandler
	config   RunnerConfig

	// Optional integrations (set via WithXxx methods)
	streamWriterFactory func(job *Job) StreamWriter
	activityFn          func(level, msg string)
	jobRecordFn         func(record usage.DeliveryRecord)

	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// WorkerID identifies this worker instance
	WorkerID string

	// Concurrency is the number of deliveries processed in parallel (default: 1)
	Concurrency int

	// Verbose enables detailed logging
	Verbose bool

	// ActivityFn is called for log messages (if set, suppresses stdout)
	ActivityFn func(level, msg string)

	// JobRecordFn is called when a delivery completes (for usage tracking)
	JobRecordFn func(record usage.DeliveryRecord)
}

// Stats is a snapshot of runner counters.
type Stats struct {
	InFlight  int64
	Processed int64
	Failed    int64
}

// NewRunner creates a new job runner.
func NewRunner(source JobSource, handlers []JobHandler, config RunnerConfig) *Runner {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Runner{
		source:      source,
		handlers:    handlers,
		config:      config,
		activityFn:  config.ActivityFn,
		jobRecordFn: config.JobRecordFn,
	}
}

// log outputs a message - uses activity callback if set, otherwise prints to stdout/stderr
func (r *Runner) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if r.activityFn != nil {
		r.activityFn(level, msg)
		return
	}
	if level == "debug" && !r.config.Verbose {
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// recordJob records a delivery for usage tracking
func (r *Runner) recordJob(record usage.DeliveryRecord) {
	if r.jobRecordFn != nil {
		record.WorkerID = r.config.WorkerID
		r.jobRecordFn(record)
	}
}

// WithStreamWriterFactory sets a factory for creating stream writers.
// If not set, a NoOpStreamWriter is used.
func (r *Runner) WithStreamWriterFactory(factory func(job *Job) StreamWriter) *Runner {
	r.streamWriterFactory = factory
	return r
}

// Stats returns the runner's counters.
func (r *Runner) Stats() Stats {
	return Stats{
		InFlight:  r.inFlight.Load(),
		Processed: r.processed.Load(),
		Failed:    r.failed.Load(),
	}
}

// Run starts the job processing loops.
// This method blocks until the context is cancelled or a signal is received.
func (r *Runner) Run(ctx context.Context) error {
	// Setup signal handling
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			r.log("info", "Received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Connect to source
	r.log("info", "Starting Worker (%s)", r.source.Name())
	if err := r.source.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", r.source.Name(), err)
	}
	defer r.source.Close()

	if r.activityFn == nil {
		fmt.Printf("   - Worker ID: %s\n", r.config.WorkerID)
		fmt.Printf("   - Source: %s\n", r.source.Name())
		fmt.Printf("   - Handlers: %d registered\n", len(r.handlers))
		fmt.Printf("   - Concurrency: %d\n", r.config.Concurrency)
	}
	r.log("success", "Worker started, listening for jobs...")

	g, gctx := errgroup.WithContext(ctx)
	for range r.config.Concurrency {
		g.Go(func() error {
			r.loop(gctx)
			return nil
		})
	}
	err := g.Wait()

	r.log("info", "Worker shutdown complete")
	return err
}

// loop fetches and processes deliveries until ctx is done, backing off
// exponentially on source errors.
func (r *Runner) loop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		job, err := r.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log("warning", "Error fetching job: %v (retry in %s)", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// Reset backoff on success
		backoff = time.Second

		if job == nil {
			continue
		}

		// Deliveries already claimed finish even during shutdown.
		r.processJob(context.WithoutCancel(ctx), job)
	}
}

// processJob dispatches a delivery to the appropriate handler and settles it.
func (r *Runner) processJob(ctx context.Context, job *Job) {
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	defer r.processed.Add(1)

	r.log("info", "Received job %s (type: %s, attempt %d)", job.ID, job.Type, job.Metadata.Attempt)
	startTime := time.Now()

	var handler JobHandler
	for _, h := range r.handlers {
		if h.CanHandle(job.Type) {
			handler = h
			break
		}
	}

	if handler == nil {
		err := fmt.Errorf("no handler for job type: %s", job.Type)
		r.log("error", "No handler: %v", err)
		r.failed.Add(1)
		r.recordJob(buildDeliveryRecord(job, "dead_letter", startTime, time.Now(), nil, err))
		if nackErr := r.source.Nack(ctx, job, err); nackErr != nil {
			r.log("error", "Failed to dead-letter job %s: %v", job.ID, nackErr)
		}
		return
	}

	var stream StreamWriter
	if r.streamWriterFactory != nil {
		stream = r.streamWriterFactory(job)
	} else {
		stream = &NoOpStreamWriter{}
	}

	stream.WriteStart(fmt.Sprintf("Delivery %d started", job.Metadata.Attempt))
	result, err := handler.Execute(ctx, job, stream)

	endTime := time.Now()
	duration := endTime.Sub(startTime)

	if err != nil {
		r.log("warning", "Job %s delivery failed (%v): %v, retry in %s", job.ID, duration, err, job.Metadata.RetryDelay)
		r.recordJob(buildDeliveryRecord(job, "retry", startTime, endTime, nil, err))
		stream.WriteError(err, true)
		r.settle(ctx, job, func() error { return r.source.Retry(ctx, job, job.Metadata.RetryDelay) })
		return
	}
	if result == nil {
		result = &JobResult{Status: JobStatusSuccess}
	}
	result.Duration = duration

	switch result.Status {
	case JobStatusFailure:
		r.log("error", "Job %s failed (%v): %v", job.ID, duration, result.Error)
		r.failed.Add(1)
		r.recordJob(buildDeliveryRecord(job, "failed", startTime, endTime, result, result.Error))
		stream.WriteError(errOrUnknown(result.Error), false)
		r.settle(ctx, job, func() error { return r.source.Ack(ctx, job) })

	case JobStatusRetry:
		delay := result.RetryAfter
		if delay == 0 {
			delay = job.Metadata.RetryDelay
		}
		r.log("debug", "Job %s not done yet, next delivery in %s", job.ID, delay)
		r.recordJob(buildDeliveryRecord(job, "retry", startTime, endTime, result, result.Error))
		r.settle(ctx, job, func() error { return r.source.Retry(ctx, job, delay) })

	case JobStatusSkipped:
		r.log("info", "Job %s skipped (%v)", job.ID, duration)
		r.recordJob(buildDeliveryRecord(job, "skipped", startTime, endTime, result, nil))
		r.settle(ctx, job, func() error { return r.source.Ack(ctx, job) })

	default:
		r.log("success", "Job %s completed (%v)", job.ID, duration)
		r.recordJob(buildDeliveryRecord(job, "success", startTime, endTime, result, nil))
		stream.WriteEnd(result.Output)
		r.settle(ctx, job, func() error { return r.source.Ack(ctx, job) })
	}
}

// settle acks or reschedules a delivery. A failure here leaves the entry
// pending, to be reclaimed after the visibility timeout.
func (r *Runner) settle(ctx context.Context, job *Job, fn func() error) {
	if err := fn(); err != nil {
		r.log("error", "Failed to settle job %s (message %s): %v", job.ID, job.MessageID, err)
	}
}

func errOrUnknown(err error) error {
	if err == nil {
		return fmt.Errorf("unknown failure")
	}
	return err
}

// buildDeliveryRecord constructs a DeliveryRecord from delivery context.
func buildDeliveryRecord(job *Job, outcome string, started, completed time.Time, result *JobResult, err error) usage.DeliveryRecord {
	r := usage.DeliveryRecord{
		MessageID:   job.MessageID,
		JobID:       job.ID,
		JobType:     job.Type,
		Attempt:     job.Metadata.Attempt,
		Outcome:     outcome,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	}
	if result != nil {
		r.JobStatus = result.StoreStatus
	}
	if err != nil {
		msg := err.Error()
		if len(msg) > 1024 {
			msg = msg[:1024]
		}
		r.ErrorMessage = msg
	}
	return r
}

// RegisterHandler adds a handler to the runner.
func (r *Runner) RegisterHandler(handler JobHandler) {
	r.handlers = append(r.handlers, handler)
}
