// Package geo computes and stores the geodetic bounding polygons that scope
// InSAR processing requests.
//
// All coordinates are WGS84 (SRID 4326) with longitude first, matching
// orb.Point{lon, lat}.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// SRID is the spatial reference of every geometry handled by this package.
const SRID = 4326

// Validation errors
var (
	// ErrInvalidArgument indicates the caller supplied unusable geometry input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// BoundingPolygon returns the minimal axis-aligned polygon covering points.
//
// The result is a single closed ring of five vertices, counter-clockwise from
// the south-west corner:
//
//	(minLon,minLat) (maxLon,minLat) (maxLon,maxLat) (minLon,maxLat) (minLon,minLat)
//
// A single point yields a zero-area polygon whose corners coincide.
func BoundingPolygon(points []orb.Point) (orb.Polygon, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: bounding polygon needs at least one point", ErrInvalidArgument)
	}

	for i, p := range points {
		if err := validatePoint(p); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
	}

	bound := orb.MultiPoint(points).Bound()
	return RingFromBound(bound), nil
}

// RingFromBound converts a bound into the five-vertex polygon layout used
// throughout the pipeline.
func RingFromBound(b orb.Bound) orb.Polygon {
	ring := orb.Ring{
		{b.Min[0], b.Min[1]},
		{b.Max[0], b.Min[1]},
		{b.Max[0], b.Max[1]},
		{b.Min[0], b.Max[1]},
		{b.Min[0], b.Min[1]},
	}
	return orb.Polygon{ring}
}

// Contains reports whether pt lies inside or on the edge of poly's bound.
func Contains(poly orb.Polygon, pt orb.Point) bool {
	if len(poly) == 0 {
		return false
	}
	b := poly.Bound()
	return pt[0] >= b.Min[0] && pt[0] <= b.Max[0] &&
		pt[1] >= b.Min[1] && pt[1] <= b.Max[1]
}

// Edges returns the north/south/east/west extents of poly, the form the
// processing service expects.
func Edges(poly orb.Polygon) (north, south, east, west float64) {
	b := poly.Bound()
	return b.Max[1], b.Min[1], b.Max[0], b.Min[0]
}

func validatePoint(p orb.Point) error {
	lon, lat := p[0], p[1]
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return fmt.Errorf("%w: non-finite coordinate", ErrInvalidArgument)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidArgument, lon)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidArgument, lat)
	}
	return nil
}
