package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sentryal/sentryal-insar/internal/geo"
)

// JobStore persists processing jobs.
type JobStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJobStore creates a job store on db.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source (used by tests).
func (s *JobStore) WithClock(now func() time.Time) *JobStore {
	s.now = now
	return s
}

// CreateJobParams describes a new job.
type CreateJobParams struct {
	InfrastructureID string
	BBox             geo.Polygon
	WindowStart      *time.Time
	WindowEnd        *time.Time
	Parameters       map[string]any
}

// Create inserts a PENDING job with a zero retry count.
func (s *JobStore) Create(ctx context.Context, p CreateJobParams) (*Job, error) {
	if p.InfrastructureID == "" {
		return nil, fmt.Errorf("%w: infrastructure id is required", geo.ErrInvalidArgument)
	}
	if p.BBox.IsZero() {
		return nil, fmt.Errorf("%w: bounding polygon is required", geo.ErrInvalidArgument)
	}

	now := s.now()
	job := &Job{
		ID:               uuid.NewString(),
		InfrastructureID: p.InfrastructureID,
		Status:           JobPending,
		BBox:             p.BBox,
		WindowStart:      p.WindowStart,
		WindowEnd:        p.WindowEnd,
		Parameters:       datatypes.JSONMap(p.Parameters),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return nil, fmt.Errorf("infrastructure %s: %w", p.InfrastructureID, ErrNotFound)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, notFound(err))
	}
	return &job, nil
}

// ListByInfrastructure returns an infrastructure's jobs, newest first.
func (s *JobStore) ListByInfrastructure(ctx context.Context, infrastructureID string) ([]Job, error) {
	var jobs []Job
	err := s.db.WithContext(ctx).
		Where("infrastructure_id = ?", infrastructureID).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListStale returns non-terminal jobs with no activity since olderThan,
// oldest first. The recovery sweep re-enqueues them.
func (s *JobStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []Job
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", NonTerminalStatuses, olderThan.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return jobs, nil
}

// JobUpdate carries the optional fields written alongside a transition.
// Nil fields are left untouched.
type JobUpdate struct {
	ExternalJobID    *string
	RetryCount       *int
	ErrorMessage     *string
	ResultURLs       []string
	ProcessingTimeMs *int64
	CompletedAt      *time.Time

	// IfVersion additionally requires the row version to match, so a
	// delivery acting on a stale read cannot overwrite a newer transition.
	IfVersion *int64
}

// Transition moves a job to status `to` if its current status is one of
// `from`. It is a single conditional UPDATE ... RETURNING; when no row
// matches it returns ErrNotFound for a missing job and ErrStateConflict
// otherwise.
func (s *JobStore) Transition(ctx context.Context, jobID string, from []JobStatus, to JobStatus, upd JobUpdate) (*Job, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: no source status given", ErrInvalidTransition)
	}
	for _, f := range from {
		if !CanTransition(f, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
	}

	updates := map[string]any{
		"status":     to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": s.now(),
	}
	if upd.ExternalJobID != nil {
		updates["external_job_id"] = *upd.ExternalJobID
	}
	if upd.RetryCount != nil {
		updates["retry_count"] = *upd.RetryCount
	}
	if upd.ErrorMessage != nil {
		updates["error_message"] = *upd.ErrorMessage
	}
	if upd.ResultURLs != nil {
		data, err := json.Marshal(upd.ResultURLs)
		if err != nil {
			return nil, fmt.Errorf("marshal result urls: %w", err)
		}
		updates["result_urls"] = datatypes.JSON(data)
	}
	if upd.ProcessingTimeMs != nil {
		updates["processing_time_ms"] = *upd.ProcessingTimeMs
	}
	if upd.CompletedAt != nil {
		updates["completed_at"] = upd.CompletedAt.UTC()
	}

	// RETURNING hands back the row exactly as this UPDATE left it; a
	// follow-up read could observe a later transition instead.
	var job Job
	q := s.db.WithContext(ctx).Model(&job).Clauses(clause.Returning{}).
		Where("id = ? AND status IN ?", jobID, from)
	if upd.IfVersion != nil {
		q = q.Where("version = ?", *upd.IfVersion)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("transition job %s: %w", jobID, ErrDuplicateExternalID)
		}
		return nil, fmt.Errorf("transition job %s: %w", jobID, res.Error)
	}

	if res.RowsAffected == 0 {
		current, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("transition job %s %v -> %s (current %s, version %d): %w",
			jobID, from, to, current.Status, current.Version, ErrStateConflict)
	}
	return &job, nil
}

// Cancel requests cancellation of a non-terminal job.
// A job already in a terminal status yields ErrStateConflict.
func (s *JobStore) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("cancel job %s (status %s): %w", jobID, job.Status, ErrStateConflict)
	}

	now := s.now()
	elapsed := ElapsedMillis(job.CreatedAt, now)
	return s.Transition(ctx, jobID, NonTerminalStatuses, JobCancelled, JobUpdate{
		CompletedAt:      &now,
		ProcessingTimeMs: &elapsed,
	})
}

// ElapsedMillis returns the whole milliseconds between start and end, never
// less than 1 so a terminal job always records a positive duration.
func ElapsedMillis(start, end time.Time) int64 {
	ms := end.Sub(start).Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}
