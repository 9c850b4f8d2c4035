// Package ingest writes parsed deformation measurements into the store.
//
// A batch is one logical unit: it commits in a single transaction or not at
// all, so a job is never marked SUCCEEDED with partial results. Re-ingesting
// the same (point, job, date) overwrites the stored values.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sentryal/sentryal-insar/internal/store"
)

// Ingestion errors
var (
	// ErrIngestion indicates a storage failure during the upsert; the batch
	// was rolled back and may be retried
	ErrIngestion = errors.New("ingestion failed")

	// ErrInvalidMeasurement indicates a measurement that can never be stored
	ErrInvalidMeasurement = errors.New("invalid measurement")
)

// DefaultChunkSize is the batch size above which the bulk insert path is used.
const DefaultChunkSize = 1000

// Measurement is one parsed per-point, per-date observation.
type Measurement struct {
	PointID        string
	Date           time.Time
	DisplacementMm store.Fixed3
	Coherence      *store.Fixed3
	VelocityMmYear *float64
	Metadata       map[string]any
}

// Stats summarizes one Ingest call.
type Stats struct {
	// Received is the number of measurements passed in
	Received int

	// Written is the number of rows upserted
	Written int

	// Duplicates counts measurements superseded by a later one for the same key
	Duplicates int

	// Dropped counts measurements for points outside the job's infrastructure
	Dropped int

	// Bulk is true when the chunked bulk path was used
	Bulk bool
}

// Config configures an Ingestor.
type Config struct {
	// ChunkSize is the bulk threshold and batch size (default: 1000)
	ChunkSize int

	// Log receives diagnostic messages (optional)
	Log func(level, msg string)
}

// Ingestor upserts measurements keyed on (point, job, date).
type Ingestor struct {
	db     *gorm.DB
	config Config
}

// New creates an Ingestor on db.
func New(db *gorm.DB, config Config) *Ingestor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	return &Ingestor{db: db, config: config}
}

func (in *Ingestor) log(level, format string, args ...any) {
	if in.config.Log != nil {
		in.config.Log(level, fmt.Sprintf(format, args...))
	}
}

// Ingest upserts ms for jobID in one transaction. Validation failures return
// ErrInvalidMeasurement and write nothing; storage failures return
// ErrIngestion and roll back the whole batch.
func (in *Ingestor) Ingest(ctx context.Context, jobID string, ms []Measurement) (Stats, error) {
	stats := Stats{Received: len(ms)}

	for i, m := range ms {
		if err := validate(m); err != nil {
			return stats, fmt.Errorf("measurement %d: %w", i, err)
		}
	}

	rows, dups := dedupe(jobID, ms)
	stats.Duplicates = dups

	err := in.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job store.Job
		if err := tx.Select("id", "infrastructure_id").First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
			}
			return err
		}

		owned, err := in.ownedPoints(tx, job.InfrastructureID, rows)
		if err != nil {
			return err
		}
		kept := rows[:0]
		for _, r := range rows {
			if owned[r.PointID] {
				kept = append(kept, r)
			}
		}
		stats.Dropped = len(rows) - len(kept)
		rows = kept

		if len(rows) == 0 {
			return nil
		}

		upsert := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "point_id"}, {Name: "job_id"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"displacement_mm", "coherence", "velocity_mm_year", "metadata", "updated_at",
			}),
		})

		if len(rows) > in.config.ChunkSize {
			stats.Bulk = true
			return upsert.CreateInBatches(&rows, in.config.ChunkSize).Error
		}
		for i := range rows {
			if err := upsert.Create(&rows[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return stats, err
		}
		return stats, fmt.Errorf("%w: job %s: %v", ErrIngestion, jobID, err)
	}

	stats.Written = len(rows)
	if stats.Dropped > 0 {
		in.log("warning", "job %s: dropped %d measurements for unknown points", jobID, stats.Dropped)
	}
	in.log("debug", "job %s: upserted %d measurements (bulk=%t)", jobID, stats.Written, stats.Bulk)
	return stats, nil
}

// Discard deletes a job's measurements once the job has ended CANCELLED or
// FAILED. Rows of a job in any other status are kept, so a concurrent
// delivery that won SUCCEEDED never loses its results.
func (in *Ingestor) Discard(ctx context.Context, jobID string) (int64, error) {
	res := in.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Where("EXISTS (SELECT 1 FROM jobs WHERE jobs.id = ? AND jobs.status IN ?)",
			jobID, []store.JobStatus{store.JobCancelled, store.JobFailed}).
		Delete(&store.Deformation{})
	if res.Error != nil {
		return 0, fmt.Errorf("discard measurements of job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected > 0 {
		in.log("info", "job %s: discarded %d measurements", jobID, res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// ownedPoints returns the subset of point ids in rows that belong to the
// infrastructure, querying in chunks to stay under bind-variable limits.
func (in *Ingestor) ownedPoints(tx *gorm.DB, infrastructureID string, rows []store.Deformation) (map[string]bool, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range rows {
		if !seen[r.PointID] {
			seen[r.PointID] = true
			ids = append(ids, r.PointID)
		}
	}

	owned := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += in.config.ChunkSize {
		end := min(start+in.config.ChunkSize, len(ids))
		var found []string
		err := tx.Model(&store.Point{}).
			Where("infrastructure_id = ? AND id IN ?", infrastructureID, ids[start:end]).
			Pluck("id", &found).Error
		if err != nil {
			return nil, err
		}
		for _, id := range found {
			owned[id] = true
		}
	}
	return owned, nil
}

func validate(m Measurement) error {
	if m.PointID == "" {
		return fmt.Errorf("%w: point id is required", ErrInvalidMeasurement)
	}
	if m.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidMeasurement)
	}
	if m.DisplacementMm > store.MaxFixed3 || m.DisplacementMm < -store.MaxFixed3 {
		return fmt.Errorf("%w: displacement %s out of range", ErrInvalidMeasurement, m.DisplacementMm)
	}
	if m.Coherence != nil && (*m.Coherence < 0 || *m.Coherence > 1000) {
		return fmt.Errorf("%w: coherence %s outside [0,1]", ErrInvalidMeasurement, m.Coherence)
	}
	if m.VelocityMmYear != nil && (math.IsNaN(*m.VelocityMmYear) || math.IsInf(*m.VelocityMmYear, 0)) {
		return fmt.Errorf("%w: velocity is not finite", ErrInvalidMeasurement)
	}
	return nil
}

// dedupe collapses measurements sharing (point, date), keeping the last one,
// and converts them to rows. Output order follows first occurrence.
func dedupe(jobID string, ms []Measurement) ([]store.Deformation, int) {
	type key struct {
		point string
		day   time.Time
	}
	index := make(map[key]int, len(ms))
	rows := make([]store.Deformation, 0, len(ms))
	dups := 0

	for _, m := range ms {
		row := store.Deformation{
			PointID:        m.PointID,
			JobID:          jobID,
			Date:           store.Day(m.Date),
			DisplacementMm: m.DisplacementMm,
			Coherence:      m.Coherence,
			VelocityMmYear: m.VelocityMmYear,
		}
		if m.Metadata != nil {
			row.Metadata = datatypes.JSONMap(m.Metadata)
		}

		k := key{m.PointID, row.Date}
		if i, ok := index[k]; ok {
			rows[i] = row
			dups++
			continue
		}
		index[k] = len(rows)
		rows = append(rows, row)
	}
	return rows, dups
}
