// internal/jobs/insar.go
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentryal/sentryal-insar/internal/ingest"
	"github.com/sentryal/sentryal-insar/internal/processor"
	"github.com/sentryal/sentryal-insar/internal/queue"
	"github.com/sentryal/sentryal-insar/internal/store"
	"github.com/sentryal/sentryal-insar/internal/worker"
)

// InSARConfig wires an InSARHandler.
type InSARConfig struct {
	Jobs      JobStore
	Points    PointLister
	Processor processor.Client
	Ingestor  Ingestor

	// Policy applies when a delivery carries no retry policy of its own
	Policy queue.RetryPolicy

	// Now is the clock (default: time.Now)
	Now func() time.Time

	LogFn func(level, msg string)
}

// InSARHandler advances one InSAR job per delivery: submit to the
// processing service, then poll it through queue redelivery until results
// can be ingested. The job store's status CAS is the only lock, so any
// number of workers may see the same job.
type InSARHandler struct {
	JobContext
	jobs      JobStore
	points    PointLister
	processor processor.Client
	ingestor  Ingestor
	policy    queue.RetryPolicy
	now       func() time.Time
}

// NewInSARHandler creates the handler for insar_process deliveries.
func NewInSARHandler(cfg InSARConfig) *InSARHandler {
	if cfg.Policy.MaxAttempts < 1 {
		cfg.Policy = queue.DefaultRetryPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &InSARHandler{
		JobContext: JobContext{LogFn: cfg.LogFn},
		jobs:       cfg.Jobs,
		points:     cfg.Points,
		processor:  cfg.Processor,
		ingestor:   cfg.Ingestor,
		policy:     cfg.Policy,
		now:        cfg.Now,
	}
}

var _ worker.JobHandler = (*InSARHandler)(nil)

// CanHandle returns true for insar_process.
func (h *InSARHandler) CanHandle(jobType string) bool {
	return jobType == queue.JobTypeInSAR
}

// delivery carries the state of one Execute call.
type delivery struct {
	job    *worker.Job
	stream worker.StreamWriter
	row    *store.Job
}

// Execute runs one step of the job's state machine. A returned error means
// the store could not be reached; every other outcome is a JobResult.
func (h *InSARHandler) Execute(ctx context.Context, job *worker.Job, stream worker.StreamWriter) (*worker.JobResult, error) {
	row, err := h.jobs.Get(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		h.Log("warning", "Job %s no longer exists", job.ID)
		return &worker.JobResult{Status: worker.JobStatusFailure, Error: err}, nil
	}
	if err != nil {
		return nil, err
	}
	if row.Status.Terminal() {
		h.Log("info", "Job %s is already %s", job.ID, row.Status)
		if row.Status != store.JobSucceeded {
			if _, err := h.ingestor.Discard(ctx, row.ID); err != nil {
				return nil, err
			}
		}
		return skipped(row), nil
	}

	d := &delivery{job: job, stream: stream, row: row}

	if row.Status == store.JobPending {
		if err := h.transition(ctx, d, []store.JobStatus{store.JobPending}, store.JobProcessing, store.JobUpdate{}); err != nil {
			return h.settleConflict(d, err)
		}
		stream.WriteProgress("processing", nil)
	}

	if d.row.ExternalJobID == nil {
		return h.submit(ctx, d)
	}
	return h.poll(ctx, d)
}

func (h *InSARHandler) submit(ctx context.Context, d *delivery) (*worker.JobResult, error) {
	pts, err := h.points.ListPoints(ctx, d.row.InfrastructureID)
	if err != nil {
		return nil, err
	}
	req := processor.SubmitRequest{
		JobID:            d.row.ID,
		InfrastructureID: d.row.InfrastructureID,
		BBox:             d.row.BBox.Bound(),
		Points:           make([]processor.SubmitPoint, len(pts)),
		WindowStart:      d.row.WindowStart,
		WindowEnd:        d.row.WindowEnd,
		Parameters:       d.row.Parameters,
	}
	for i, p := range pts {
		req.Points[i] = processor.SubmitPoint{ID: p.ID, Longitude: p.Longitude, Latitude: p.Latitude}
	}

	externalID, err := h.processor.Submit(ctx, req)
	if err != nil {
		if processor.IsTerminal(err) {
			h.Log("error", "Job %s rejected by processing service: %v", d.row.ID, err)
			return h.fail(ctx, d, err.Error())
		}
		h.Log("warning", "Job %s submit failed, will retry: %v", d.row.ID, err)
		return h.reschedule(ctx, d, err)
	}

	err = h.transition(ctx, d, []store.JobStatus{store.JobProcessing}, store.JobProcessing, store.JobUpdate{ExternalJobID: &externalID})
	if errors.Is(err, store.ErrDuplicateExternalID) {
		return h.fail(ctx, d, fmt.Sprintf("processing service returned a duplicate job id %s", externalID))
	}
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			h.Log("warning", "Job %s changed while submitting; external job %s is orphaned", d.row.ID, externalID)
		}
		return h.settleConflict(d, err)
	}

	d.job.ExternalID = &externalID
	h.Log("info", "Job %s submitted as %s", d.row.ID, externalID)
	d.stream.WriteProgress("submitted", map[string]any{"externalJobId": externalID})
	return h.reschedule(ctx, d, nil)
}

func (h *InSARHandler) poll(ctx context.Context, d *delivery) (*worker.JobResult, error) {
	externalID := *d.row.ExternalJobID
	d.job.ExternalID = &externalID

	report, err := h.processor.Status(ctx, externalID)
	if err != nil {
		if processor.IsTerminal(err) {
			return h.fail(ctx, d, err.Error())
		}
		return h.reschedule(ctx, d, err)
	}

	switch report.State {
	case processor.StateComplete:
		return h.complete(ctx, d, externalID)
	case processor.StateFailed:
		msg := report.Error
		if msg == "" {
			msg = fmt.Sprintf("processing failed (%s)", report.Raw)
		}
		h.Log("error", "Job %s failed in processing service: %s", d.row.ID, msg)
		return h.fail(ctx, d, msg)
	default:
		d.stream.WriteProgress("polling", map[string]any{"serviceStatus": report.Raw})
		return h.reschedule(ctx, d, nil)
	}
}

func (h *InSARHandler) complete(ctx context.Context, d *delivery, externalID string) (*worker.JobResult, error) {
	urls, err := h.processor.ProductURLs(ctx, externalID)
	if err != nil {
		return h.serviceError(ctx, d, err)
	}
	results, err := h.processor.Results(ctx, externalID)
	if err != nil {
		return h.serviceError(ctx, d, err)
	}

	ms, err := h.measurements(d.row, results)
	if err != nil {
		return h.fail(ctx, d, err.Error())
	}

	stats, err := h.ingestor.Ingest(ctx, d.row.ID, ms)
	switch {
	case errors.Is(err, ingest.ErrInvalidMeasurement):
		return h.fail(ctx, d, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return &worker.JobResult{Status: worker.JobStatusFailure, Error: err}, nil
	case err != nil:
		h.Log("warning", "Job %s ingestion failed, will retry: %v", d.row.ID, err)
		return h.reschedule(ctx, d, err)
	}

	if urls == nil {
		urls = []string{}
	}
	now := h.now()
	elapsed := store.ElapsedMillis(d.row.CreatedAt, now)
	err = h.transition(ctx, d, []store.JobStatus{store.JobProcessing}, store.JobSucceeded, store.JobUpdate{
		ResultURLs:       urls,
		CompletedAt:      &now,
		ProcessingTimeMs: &elapsed,
	})
	if errors.Is(err, store.ErrStateConflict) {
		// Cancelled or failed elsewhere after the rows were written.
		if _, derr := h.ingestor.Discard(ctx, d.row.ID); derr != nil {
			return nil, derr
		}
	}
	if err != nil {
		return h.settleConflict(d, err)
	}

	h.Log("success", "Job %s succeeded: %d measurements written (%d duplicates, %d dropped, %d skipped)",
		d.row.ID, stats.Written, stats.Duplicates, stats.Dropped, results.Skipped)
	return &worker.JobResult{
		Status:      worker.JobStatusSuccess,
		StoreStatus: string(d.row.Status),
		Output: map[string]any{
			"externalJobId":    externalID,
			"schemaVersion":    results.SchemaVersion,
			"written":          stats.Written,
			"duplicates":       stats.Duplicates,
			"dropped":          stats.Dropped,
			"skipped":          results.Skipped,
			"resultUrls":       urls,
			"processingTimeMs": elapsed,
		},
	}, nil
}

// serviceError fails the job on a terminal client error and redelivers
// on anything else.
func (h *InSARHandler) serviceError(ctx context.Context, d *delivery, err error) (*worker.JobResult, error) {
	if processor.IsTerminal(err) {
		return h.fail(ctx, d, err.Error())
	}
	return h.reschedule(ctx, d, err)
}

// measurements converts decoded observations to ingestible rows. An
// observation without a date is dated at the end of the job's window, or
// at its creation when it has none.
func (h *InSARHandler) measurements(row *store.Job, res *processor.Results) ([]ingest.Measurement, error) {
	fallback := row.CreatedAt
	if row.WindowEnd != nil {
		fallback = *row.WindowEnd
	}

	ms := make([]ingest.Measurement, 0, len(res.Observations))
	for _, o := range res.Observations {
		disp, err := store.ParseFixed3(o.DisplacementMm.String())
		if err != nil {
			return nil, fmt.Errorf("%w: point %s displacement: %v", ingest.ErrInvalidMeasurement, o.PointID, err)
		}
		m := ingest.Measurement{
			PointID:        o.PointID,
			Date:           o.Date,
			DisplacementMm: disp,
			Metadata:       o.Metadata,
		}
		if m.Date.IsZero() {
			m.Date = fallback
		}
		if o.Coherence != nil {
			c, err := store.ParseFixed3(o.Coherence.String())
			if err != nil {
				return nil, fmt.Errorf("%w: point %s coherence: %v", ingest.ErrInvalidMeasurement, o.PointID, err)
			}
			m.Coherence = &c
		}
		if o.VelocityMmYear != nil {
			v, err := o.VelocityMmYear.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: point %s velocity: %v", ingest.ErrInvalidMeasurement, o.PointID, err)
			}
			m.VelocityMmYear = &v
		}
		ms = append(ms, m)
	}
	return ms, nil
}

// reschedule asks for another delivery, counting it against the retry
// budget. A job whose budget is spent fails instead.
func (h *InSARHandler) reschedule(ctx context.Context, d *delivery, cause error) (*worker.JobResult, error) {
	maxAttempts, delay := h.retryPolicy(d.job)
	if d.row.RetryCount+1 > maxAttempts {
		h.Log("error", "Job %s exhausted %d attempts", d.row.ID, maxAttempts)
		return h.fail(ctx, d, fmt.Sprintf("timeout: max retries exceeded (%d attempts)", maxAttempts))
	}

	next := d.row.RetryCount + 1
	if err := h.transition(ctx, d, []store.JobStatus{store.JobProcessing}, store.JobProcessing, store.JobUpdate{RetryCount: &next}); err != nil {
		return h.settleConflict(d, err)
	}
	return &worker.JobResult{
		Status:      worker.JobStatusRetry,
		RetryAfter:  delay,
		Error:       cause,
		StoreStatus: string(d.row.Status),
	}, nil
}

// fail moves the job to FAILED.
func (h *InSARHandler) fail(ctx context.Context, d *delivery, msg string) (*worker.JobResult, error) {
	now := h.now()
	elapsed := store.ElapsedMillis(d.row.CreatedAt, now)
	err := h.transition(ctx, d, []store.JobStatus{store.JobProcessing}, store.JobFailed, store.JobUpdate{
		ErrorMessage:     &msg,
		CompletedAt:      &now,
		ProcessingTimeMs: &elapsed,
	})
	if err != nil {
		return h.settleConflict(d, err)
	}
	return &worker.JobResult{
		Status:      worker.JobStatusFailure,
		Error:       errors.New(msg),
		StoreStatus: string(d.row.Status),
	}, nil
}

// transition applies a CAS pinned to the version this delivery last saw
// and keeps d.row current.
func (h *InSARHandler) transition(ctx context.Context, d *delivery, from []store.JobStatus, to store.JobStatus, upd store.JobUpdate) error {
	version := d.row.Version
	upd.IfVersion = &version
	row, err := h.jobs.Transition(ctx, d.row.ID, from, to, upd)
	if err != nil {
		return err
	}
	d.row = row
	return nil
}

// settleConflict turns a lost CAS into a skipped delivery and a vanished
// job into a failed one. Other errors are returned for redelivery.
func (h *InSARHandler) settleConflict(d *delivery, err error) (*worker.JobResult, error) {
	switch {
	case errors.Is(err, store.ErrStateConflict):
		h.Log("info", "Job %s changed concurrently, skipping: %v", d.row.ID, err)
		return skipped(d.row), nil
	case errors.Is(err, store.ErrNotFound):
		return &worker.JobResult{Status: worker.JobStatusFailure, Error: err}, nil
	}
	return nil, err
}

func skipped(row *store.Job) *worker.JobResult {
	return &worker.JobResult{Status: worker.JobStatusSkipped, StoreStatus: string(row.Status)}
}

func (h *InSARHandler) retryPolicy(job *worker.Job) (int, time.Duration) {
	if job.Metadata.MaxAttempts > 0 {
		return job.Metadata.MaxAttempts, job.Metadata.RetryDelay
	}
	return h.policy.MaxAttempts, h.policy.FixedDelay
}
