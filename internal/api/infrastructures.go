package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sentryal/sentryal-insar/internal/store"
)

type createInfrastructureRequest struct {
	Name string  `json:"name"`
	Type *string `json:"type"`
}

func (s *Server) createInfrastructure(c *gin.Context) {
	var req createInfrastructureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("invalid JSON: %v", err))
		return
	}
	infra, err := s.cfg.Infrastructures.Create(c.Request.Context(), req.Name, req.Type)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, infra)
}

func (s *Server) listInfrastructures(c *gin.Context) {
	list, err := s.cfg.Infrastructures.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []store.Infrastructure{}
	}
	c.JSON(http.StatusOK, gin.H{"infrastructures": list})
}

func (s *Server) getInfrastructure(c *gin.Context) {
	infra, err := s.cfg.Infrastructures.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, infra)
}

func (s *Server) deleteInfrastructure(c *gin.Context) {
	if err := s.cfg.Infrastructures.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type pointRequest struct {
	Longitude *float64 `json:"longitude"`
	Latitude  *float64 `json:"latitude"`
	SoilType  *string  `json:"soilType"`
}

type addPointsRequest struct {
	Points []pointRequest `json:"points"`
}

// addPoints attaches points in bulk and refreshes the infrastructure's
// bounding polygon. Existing jobs keep their own snapshot.
func (s *Server) addPoints(c *gin.Context) {
	var req addPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("invalid JSON: %v", err))
		return
	}

	points := make([]store.NewPoint, len(req.Points))
	for i, p := range req.Points {
		if p.Longitude == nil || p.Latitude == nil {
			s.fail(c, badRequest("point %d: longitude and latitude are required", i))
			return
		}
		points[i] = store.NewPoint{Longitude: *p.Longitude, Latitude: *p.Latitude, SoilType: p.SoilType}
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	added, err := s.cfg.Infrastructures.AddPoints(ctx, id, points)
	if err != nil {
		s.fail(c, err)
		return
	}
	infra, err := s.cfg.Infrastructures.RecomputeBBox(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"points": added, "infrastructure": infra})
}

func (s *Server) listPoints(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.cfg.Infrastructures.Get(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	pts, err := s.cfg.Infrastructures.ListPoints(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if pts == nil {
		pts = []store.Point{}
	}
	c.JSON(http.StatusOK, gin.H{"points": pts})
}
