package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"gorm.io/gorm"

	"github.com/sentryal/sentryal-insar/internal/geo"
)

// InfrastructureStore persists infrastructures and their points.
type InfrastructureStore struct {
	db *gorm.DB
}

// NewInfrastructureStore creates an infrastructure store on db.
func NewInfrastructureStore(db *gorm.DB) *InfrastructureStore {
	return &InfrastructureStore{db: db}
}

// NewPoint describes a point to attach to an infrastructure.
type NewPoint struct {
	Longitude float64
	Latitude  float64
	SoilType  *string
}

// Create inserts an infrastructure without a bounding polygon.
func (s *InfrastructureStore) Create(ctx context.Context, name string, typ *string) (*Infrastructure, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", geo.ErrInvalidArgument)
	}
	infra := &Infrastructure{
		ID:   uuid.NewString(),
		Name: name,
		Type: typ,
	}
	if err := s.db.WithContext(ctx).Create(infra).Error; err != nil {
		return nil, fmt.Errorf("create infrastructure: %w", err)
	}
	return infra, nil
}

// Get loads an infrastructure by id.
func (s *InfrastructureStore) Get(ctx context.Context, id string) (*Infrastructure, error) {
	var infra Infrastructure
	if err := s.db.WithContext(ctx).First(&infra, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("get infrastructure %s: %w", id, notFound(err))
	}
	return &infra, nil
}

// List returns all infrastructures ordered by name.
func (s *InfrastructureStore) List(ctx context.Context) ([]Infrastructure, error) {
	var out []Infrastructure
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list infrastructures: %w", err)
	}
	return out, nil
}

// Delete removes an infrastructure; points, jobs and measurements cascade.
func (s *InfrastructureStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Infrastructure{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete infrastructure %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete infrastructure %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddPoints attaches points to an infrastructure in one transaction.
// The bounding polygon is not touched; see RecomputeBBox.
func (s *InfrastructureStore) AddPoints(ctx context.Context, infrastructureID string, points []NewPoint) ([]Point, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no points given", geo.ErrInvalidArgument)
	}

	rows := make([]Point, len(points))
	for i, p := range points {
		if _, err := geo.BoundingPolygon([]orb.Point{{p.Longitude, p.Latitude}}); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		rows[i] = Point{
			ID:               uuid.NewString(),
			InfrastructureID: infrastructureID,
			Longitude:        p.Longitude,
			Latitude:         p.Latitude,
			SoilType:         p.SoilType,
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Infrastructure{}).Where("id = ?", infrastructureID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("infrastructure %s: %w", infrastructureID, ErrNotFound)
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("add points: %w", err)
	}
	return rows, nil
}

// ListPoints returns an infrastructure's points in creation order.
func (s *InfrastructureStore) ListPoints(ctx context.Context, infrastructureID string) ([]Point, error) {
	var pts []Point
	err := s.db.WithContext(ctx).
		Where("infrastructure_id = ?", infrastructureID).
		Order("created_at ASC, id ASC").
		Find(&pts).Error
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}
	return pts, nil
}

// RecomputeBBox sets the infrastructure's bounding polygon to the envelope
// of its current points. Jobs keep the snapshot taken at their creation.
func (s *InfrastructureStore) RecomputeBBox(ctx context.Context, infrastructureID string) (*Infrastructure, error) {
	pts, err := s.ListPoints(ctx, infrastructureID)
	if err != nil {
		return nil, err
	}
	locs := make([]orb.Point, len(pts))
	for i, p := range pts {
		locs[i] = p.Location()
	}
	poly, err := geo.BoundingPolygon(locs)
	if err != nil {
		return nil, fmt.Errorf("infrastructure %s: %w", infrastructureID, err)
	}

	res := s.db.WithContext(ctx).Model(&Infrastructure{}).
		Where("id = ?", infrastructureID).
		Updates(map[string]any{"bbox_geojson": geo.NewPolygon(poly), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, fmt.Errorf("update bbox: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("infrastructure %s: %w", infrastructureID, ErrNotFound)
	}
	return s.Get(ctx, infrastructureID)
}
