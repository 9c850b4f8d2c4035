// Package api exposes the data-only HTTP surface: infrastructures and their
// points, job creation and cancellation, deformation time series, the map
// view, and a websocket relay of job lifecycle events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/sentryal/sentryal-insar/internal/queue"
	"github.com/sentryal/sentryal-insar/internal/store"
)

// Enqueuer dispatches a job to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.DispatchMessage, policy queue.RetryPolicy) (bool, error)
}

// Publisher announces job lifecycle events. *queue.Queue satisfies it.
type Publisher interface {
	PublishEvent(ctx context.Context, jobID, eventType string, data map[string]any) error
}

// Subscriber opens Pub/Sub subscriptions. *redis.Client satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Config wires the server to its dependencies.
type Config struct {
	DB              *gorm.DB
	Infrastructures *store.InfrastructureStore
	Jobs            *store.JobStore
	Deformations    *store.DeformationStore

	// Queue receives new jobs. Required for job creation.
	Queue Enqueuer

	// Policy is attached to every dispatched job
	Policy queue.RetryPolicy

	// Publisher announces cancellations to event watchers (optional)
	Publisher Publisher

	// Events backs the websocket relay (optional; the route answers 503 without it)
	Events Subscriber

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Server is the HTTP API.
type Server struct {
	cfg    Config
	engine *gin.Engine
}

// New builds the router. Call gin.SetMode beforehand to pick the gin mode.
func New(cfg Config) *Server {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = queue.DefaultRetryPolicy()
	}
	s := &Server{cfg: cfg, engine: gin.New()}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/infrastructures", s.createInfrastructure)
		v1.GET("/infrastructures", s.listInfrastructures)
		v1.GET("/infrastructures/:id", s.getInfrastructure)
		v1.DELETE("/infrastructures/:id", s.deleteInfrastructure)

		v1.POST("/infrastructures/:id/points", s.addPoints)
		v1.GET("/infrastructures/:id/points", s.listPoints)

		v1.POST("/infrastructures/:id/jobs", s.createJob)
		v1.GET("/infrastructures/:id/jobs", s.listJobs)
		v1.GET("/infrastructures/:id/map", s.mapView)
	}
	{
		v1.GET("/jobs/:id", s.getJob)
		v1.POST("/jobs/:id/cancel", s.cancelJob)
		v1.GET("/jobs/:id/events", s.jobEvents)
	}
	{
		v1.GET("/points/:id/deformations", s.timeSeries)
	}
}

// Handler returns the router for use with net/http or httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
// Request contexts derive from ctx so websocket relays end with it.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log("info", fmt.Sprintf("api: listening on %s", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api listen: %w", err)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.cfg.DB != nil {
		sqlDB, err := s.cfg.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log("debug", fmt.Sprintf("api: %s %s -> %d (%s)",
			c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Round(time.Millisecond)))
	}
}

func (s *Server) log(level, msg string) {
	if s.cfg.LogFn != nil {
		s.cfg.LogFn(level, msg)
	}
}
