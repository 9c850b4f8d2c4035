package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DeformationStore serves read queries over ingested measurements.
// Writes happen only through the ingest package.
type DeformationStore struct {
	db *gorm.DB
}

// NewDeformationStore creates a deformation store on db.
func NewDeformationStore(db *gorm.DB) *DeformationStore {
	return &DeformationStore{db: db}
}

// TimeSeries returns a point's measurements ordered by date. Zero from/to
// leave that side of the range open.
func (s *DeformationStore) TimeSeries(ctx context.Context, pointID string, from, to time.Time) ([]Deformation, error) {
	q := s.db.WithContext(ctx).Where("point_id = ?", pointID)
	if !from.IsZero() {
		q = q.Where("date >= ?", Day(from))
	}
	if !to.IsZero() {
		q = q.Where("date <= ?", Day(to))
	}

	var out []Deformation
	if err := q.Order("date ASC, job_id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("time series for point %s: %w", pointID, err)
	}
	return out, nil
}

// ListByJob returns every measurement a job produced.
func (s *DeformationStore) ListByJob(ctx context.Context, jobID string) ([]Deformation, error) {
	var out []Deformation
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("point_id ASC, date ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list deformations for job %s: %w", jobID, err)
	}
	return out, nil
}

// PointLatest pairs a point with its most recent measurement, if any.
type PointLatest struct {
	Point  Point
	Latest *Deformation
}

// LatestByInfrastructure returns every point of an infrastructure with its
// newest measurement (by date, then by row update time). This backs the map view.
func (s *DeformationStore) LatestByInfrastructure(ctx context.Context, infrastructureID string) ([]PointLatest, error) {
	var pts []Point
	err := s.db.WithContext(ctx).
		Where("infrastructure_id = ?", infrastructureID).
		Order("created_at ASC, id ASC").
		Find(&pts).Error
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}
	if len(pts) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pts))
	for i, p := range pts {
		ids[i] = p.ID
	}

	var rows []Deformation
	err = s.db.WithContext(ctx).
		Where("point_id IN ?", ids).
		Order("point_id ASC, date DESC, updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list latest deformations: %w", err)
	}

	latest := make(map[string]*Deformation, len(pts))
	for i := range rows {
		if _, seen := latest[rows[i].PointID]; !seen {
			latest[rows[i].PointID] = &rows[i]
		}
	}

	out := make([]PointLatest, len(pts))
	for i, p := range pts {
		out[i] = PointLatest{Point: p, Latest: latest[p.ID]}
	}
	return out, nil
}

// CountByJob returns how many measurements a job produced.
func (s *DeformationStore) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Deformation{}).Where("job_id = ?", jobID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count deformations: %w", err)
	}
	return n, nil
}
