package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"

	"github.com/sentryal/sentryal-insar/internal/store"
)

// timeSeries returns a point's measurements ordered by date. from and to
// are optional inclusive calendar-day bounds.
func (s *Server) timeSeries(c *gin.Context) {
	var from, to time.Time
	if v := c.Query("from"); v != "" {
		t, err := parseDate("from", v)
		if err != nil {
			s.fail(c, err)
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := parseDate("to", v)
		if err != nil {
			s.fail(c, err)
			return
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		s.fail(c, badRequest("to is before from"))
		return
	}

	series, err := s.cfg.Deformations.TimeSeries(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	if series == nil {
		series = []store.Deformation{}
	}
	c.JSON(http.StatusOK, gin.H{"pointId": c.Param("id"), "deformations": series})
}

// mapView renders every point of an infrastructure as a GeoJSON feature
// carrying its most recent displacement. Points without data get nulls.
func (s *Server) mapView(c *gin.Context) {
	ctx := c.Request.Context()
	infraID := c.Param("id")
	if _, err := s.cfg.Infrastructures.Get(ctx, infraID); err != nil {
		s.fail(c, err)
		return
	}
	latest, err := s.cfg.Deformations.LatestByInfrastructure(ctx, infraID)
	if err != nil {
		s.fail(c, err)
		return
	}

	fc := geojson.NewFeatureCollection()
	for _, pl := range latest {
		f := geojson.NewFeature(pl.Point.Location())
		f.ID = pl.Point.ID
		f.Properties["pointId"] = pl.Point.ID
		f.Properties["soilType"] = pl.Point.SoilType
		f.Properties["displacementMm"] = nil
		f.Properties["coherence"] = nil
		f.Properties["date"] = nil
		f.Properties["jobId"] = nil
		if d := pl.Latest; d != nil {
			f.Properties["displacementMm"] = d.DisplacementMm
			f.Properties["coherence"] = d.Coherence
			f.Properties["date"] = d.Date.Format(time.DateOnly)
			f.Properties["jobId"] = d.JobID
		}
		fc.Append(f)
	}
	c.JSON(http.StatusOK, fc)
}
