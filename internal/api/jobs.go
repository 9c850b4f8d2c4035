package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"

	"github.com/sentryal/sentryal-insar/internal/geo"
	"github.com/sentryal/sentryal-insar/internal/queue"
	"github.com/sentryal/sentryal-insar/internal/store"
)

type createJobRequest struct {
	WindowStart string         `json:"windowStart"`
	WindowEnd   string         `json:"windowEnd"`
	Parameters  map[string]any `json:"parameters"`
}

type createJobResponse struct {
	Job *store.Job `json:"job"`

	// Queued is false when the dispatch failed; the recovery sweep will
	// pick the job up once it goes stale.
	Queued bool `json:"queued"`
}

// createJob snapshots the infrastructure's bounding polygon into a new
// PENDING job and dispatches it.
func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, badRequest("invalid JSON: %v", err))
			return
		}
	}
	windowStart, err := parseOptionalDate("windowStart", req.WindowStart)
	if err != nil {
		s.fail(c, err)
		return
	}
	windowEnd, err := parseOptionalDate("windowEnd", req.WindowEnd)
	if err != nil {
		s.fail(c, err)
		return
	}
	if windowStart != nil && windowEnd != nil && windowEnd.Before(*windowStart) {
		s.fail(c, badRequest("windowEnd is before windowStart"))
		return
	}

	ctx := c.Request.Context()
	infraID := c.Param("id")
	if _, err := s.cfg.Infrastructures.Get(ctx, infraID); err != nil {
		s.fail(c, err)
		return
	}
	pts, err := s.cfg.Infrastructures.ListPoints(ctx, infraID)
	if err != nil {
		s.fail(c, err)
		return
	}
	locs := make([]orb.Point, len(pts))
	for i, p := range pts {
		locs[i] = p.Location()
	}
	bbox, err := geo.BoundingPolygon(locs)
	if err != nil {
		s.fail(c, fmt.Errorf("infrastructure %s: %w", infraID, err))
		return
	}

	job, err := s.cfg.Jobs.Create(ctx, store.CreateJobParams{
		InfrastructureID: infraID,
		BBox:             geo.NewPolygon(bbox),
		WindowStart:      windowStart,
		WindowEnd:        windowEnd,
		Parameters:       req.Parameters,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	queued, err := s.cfg.Queue.Enqueue(ctx, queue.DispatchMessage{
		JobID:            job.ID,
		InfrastructureID: infraID,
	}, s.cfg.Policy)
	if err != nil {
		s.log("warning", fmt.Sprintf("api: job %s created but not dispatched: %v", job.ID, err))
	} else {
		s.log("info", fmt.Sprintf("api: job %s dispatched for infrastructure %s (%d points)", job.ID, infraID, len(pts)))
	}

	c.JSON(http.StatusAccepted, createJobResponse{Job: job, Queued: queued})
}

func (s *Server) listJobs(c *gin.Context) {
	ctx := c.Request.Context()
	infraID := c.Param("id")
	if _, err := s.cfg.Infrastructures.Get(ctx, infraID); err != nil {
		s.fail(c, err)
		return
	}
	jobs, err := s.cfg.Jobs.ListByInfrastructure(ctx, infraID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.cfg.Jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// cancelJob moves a PENDING or PROCESSING job to CANCELLED. Workers observe
// it on the next delivery.
func (s *Server) cancelJob(c *gin.Context) {
	job, err := s.cfg.Jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.log("info", fmt.Sprintf("api: job %s cancelled", job.ID))
	if s.cfg.Publisher != nil {
		err := s.cfg.Publisher.PublishEvent(c.Request.Context(), job.ID, "end", map[string]any{"status": string(job.Status)})
		if err != nil {
			s.log("warning", fmt.Sprintf("api: announce cancellation of job %s: %v", job.ID, err))
		}
	}
	c.JSON(http.StatusOK, job)
}
