package store

import (
	"encoding/json"
	"time"

	"github.com/paulmach/orb"
	"gorm.io/datatypes"

	"github.com/sentryal/sentryal-insar/internal/geo"
)

// JobStatus is the lifecycle state of a processing job.
type JobStatus string

const (
	// JobPending is the initial state set at creation
	JobPending JobStatus = "PENDING"

	// JobProcessing means a worker has picked the job up
	JobProcessing JobStatus = "PROCESSING"

	// JobSucceeded means results were ingested (terminal)
	JobSucceeded JobStatus = "SUCCEEDED"

	// JobFailed means the job gave up or was rejected (terminal)
	JobFailed JobStatus = "FAILED"

	// JobCancelled means cancellation was requested out-of-band (terminal)
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// NonTerminalStatuses lists the statuses a job can still leave.
var NonTerminalStatuses = []JobStatus{JobPending, JobProcessing}

// transitions is the job state machine. Terminal statuses have no edges.
var transitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobCancelled},
	JobProcessing: {JobProcessing, JobSucceeded, JobFailed, JobCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Infrastructure is a named monitoring target (bridge, pipeline, site).
type Infrastructure struct {
	ID        string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name      string      `gorm:"type:varchar(255);not null" json:"name"`
	Type      *string     `gorm:"type:varchar(64)" json:"type,omitempty"`
	BBox      geo.Polygon `gorm:"column:bbox_geojson" json:"bbox"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`

	Points []Point `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Jobs   []Job   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Point is a monitored location owned by one infrastructure.
type Point struct {
	ID               string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	InfrastructureID string    `gorm:"type:varchar(36);not null;index" json:"infrastructureId"`
	Longitude        float64   `gorm:"not null" json:"longitude"`
	Latitude         float64   `gorm:"not null" json:"latitude"`
	SoilType         *string   `gorm:"type:varchar(64)" json:"soilType,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`

	Deformations []Deformation `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Location returns the point as lon/lat.
func (p Point) Location() orb.Point {
	return orb.Point{p.Longitude, p.Latitude}
}

// Job is the unit of asynchronous processing work.
type Job struct {
	ID               string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	InfrastructureID string            `gorm:"type:varchar(36);not null;index" json:"infrastructureId"`
	ExternalJobID    *string           `gorm:"type:varchar(128);uniqueIndex" json:"externalJobId"`
	Status           JobStatus         `gorm:"type:varchar(16);not null;index:idx_jobs_status_updated,priority:1" json:"status"`
	BBox             geo.Polygon       `gorm:"column:bbox_geojson;not null" json:"bbox"`
	WindowStart      *time.Time        `json:"windowStart,omitempty"`
	WindowEnd        *time.Time        `json:"windowEnd,omitempty"`
	Parameters       datatypes.JSONMap `json:"parameters,omitempty"`
	ResultURLs       datatypes.JSON    `gorm:"column:result_urls" json:"resultUrls,omitempty"`
	ErrorMessage     *string           `gorm:"type:text" json:"errorMessage,omitempty"`
	RetryCount       int               `gorm:"not null;default:0" json:"retryCount"`
	ProcessingTimeMs *int64            `json:"processingTimeMs,omitempty"`
	Version          int64             `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `gorm:"index:idx_jobs_status_updated,priority:2" json:"updatedAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`

	Deformations []Deformation `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// URLs decodes the stored result artifact references.
func (j *Job) URLs() []string {
	if len(j.ResultURLs) == 0 {
		return nil
	}
	var urls []string
	if err := json.Unmarshal(j.ResultURLs, &urls); err != nil {
		return nil
	}
	return urls
}

// Deformation is one observation of a point at a date, produced by a job.
// (point_id, job_id, date) is unique.
type Deformation struct {
	ID             uint64            `gorm:"primaryKey;autoIncrement" json:"-"`
	PointID        string            `gorm:"type:varchar(36);not null;uniqueIndex:idx_deformations_point_job_date,priority:1" json:"pointId"`
	JobID          string            `gorm:"type:varchar(36);not null;uniqueIndex:idx_deformations_point_job_date,priority:2;index" json:"jobId"`
	Date           time.Time         `gorm:"type:date;not null;uniqueIndex:idx_deformations_point_job_date,priority:3" json:"date"`
	DisplacementMm Fixed3            `gorm:"type:numeric(12,3);not null" json:"displacementMm"`
	Coherence      *Fixed3           `gorm:"type:numeric(4,3)" json:"coherence,omitempty"`
	VelocityMmYear *float64          `json:"velocityMmYear,omitempty"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Day truncates t to a calendar day in UTC, the key used for measurement dates.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
