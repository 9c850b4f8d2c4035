package geo

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Polygon is an orb.Polygon persisted as a GeoJSON geometry string.
// It works unchanged on Postgres text columns and SQLite.
type Polygon struct {
	orb.Polygon
}

// NewPolygon wraps p for storage.
func NewPolygon(p orb.Polygon) Polygon {
	return Polygon{Polygon: p}
}

// IsZero reports whether no geometry is set.
func (p Polygon) IsZero() bool {
	return len(p.Polygon) == 0
}

// Value implements driver.Valuer.
func (p Polygon) Value() (driver.Value, error) {
	if p.IsZero() {
		return nil, nil
	}
	data, err := geojson.NewGeometry(p.Polygon).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal polygon: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (p *Polygon) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		p.Polygon = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("scan polygon: unsupported type %T", src)
	}
	if len(data) == 0 {
		p.Polygon = nil
		return nil
	}

	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("scan polygon: %w", err)
	}
	poly, ok := g.Geometry().(orb.Polygon)
	if !ok {
		return fmt.Errorf("scan polygon: geometry is %s", g.Geometry().GeoJSONType())
	}
	p.Polygon = poly
	return nil
}

// GormDataType tells gorm which column type to migrate.
func (Polygon) GormDataType() string {
	return "text"
}

// MarshalJSON renders the polygon as a GeoJSON geometry object.
func (p Polygon) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	return geojson.NewGeometry(p.Polygon).MarshalJSON()
}

// UnmarshalJSON accepts a GeoJSON polygon geometry.
func (p *Polygon) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		p.Polygon = nil
		return nil
	}
	var g geojson.Geometry
	if err := json.Unmarshal(data, &g); err != nil {
		return err
	}
	poly, ok := g.Geometry().(orb.Polygon)
	if !ok {
		return fmt.Errorf("%w: expected Polygon geometry", ErrInvalidArgument)
	}
	p.Polygon = poly
	return nil
}
