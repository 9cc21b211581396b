// Package api serves the inventory, the adapters and actions over HTTP.
package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/events"
	"github.com/lucid-vigil/fleet/pkg/scheduler"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/rs/zerolog"
)

// Inventory is the read side of the store.
type Inventory interface {
	ListDevices(ctx context.Context, f store.DeviceFilter) ([]store.DeviceRecord, error)
	CountDevices(ctx context.Context, f store.DeviceFilter) (int64, error)
	GetDeviceByID(ctx context.Context, id uint64) (*store.DeviceRecord, error)
	GetEntity(ctx context.Context, entityID string) (*store.Entity, error)
	ListEntityDevices(ctx context.Context, entityID string) ([]store.DeviceRecord, error)
	ListUsers(ctx context.Context, f store.UserFilter) ([]store.UserRecord, error)
	ListFetchRuns(ctx context.Context, adapter string, limit int) ([]store.FetchRun, error)
}

// Jobs is the part of the scheduler the API drives.
type Jobs interface {
	Status() []scheduler.JobStatus
	TriggerNow(name string) error
}

// ActionRunner executes device actions on request.
type ActionRunner interface {
	ExecuteOnRecord(ctx context.Context, actionName string, recordID uint64, params map[string]interface{}) error
	Actions() []string
	IsEnabled() bool
}

// BusMetrics exposes event bus counters.
type BusMetrics interface {
	GetMetrics() events.EventMetrics
}

// Deps are the components the server reads from. Scheduler, Actions and
// Bus may be nil.
type Deps struct {
	Store     Inventory
	Scheduler Jobs
	Actions   ActionRunner
	Bus       BusMetrics
	Registry  *adapters.Registry
}

// Server is the HTTP API.
type Server struct {
	deps    Deps
	engine  *gin.Engine
	logger  zerolog.Logger
	started time.Time

	mu       sync.RWMutex
	adapters []config.AdapterConfig
	runners  map[string]*adapters.Runner

	srvMu sync.Mutex
	srv   *http.Server
}

// NewServer builds the server and its routes.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	if deps.Registry == nil {
		deps.Registry = adapters.Default
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:    deps,
		logger:  logger.With().Str("component", "api").Logger(),
		started: time.Now(),
		runners: make(map[string]*adapters.Runner),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	s.routes(engine)
	s.engine = engine
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.healthz)
	r.GET("/metrics", s.metrics)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/adapters", s.listAdapters)
		v1.GET("/adapters/types", s.adapterTypes)
		v1.POST("/adapters/:name/fetch", s.triggerFetch)

		v1.GET("/devices", s.listDevices)
		v1.GET("/devices/:id", s.getDevice)
		v1.GET("/entities/*id", s.getEntity)
		v1.GET("/users", s.listUsers)
		v1.GET("/fetches", s.listFetches)

		v1.GET("/actions", s.listActions)
		v1.POST("/actions/:name", s.runAction)
	}
}

// SetAdapters replaces the configured adapters and their runners shown by
// the adapter endpoints.
func (s *Server) SetAdapters(cfgs []config.AdapterConfig, runners []*adapters.Runner) {
	byName := make(map[string]*adapters.Runner, len(runners))
	for _, r := range runners {
		byName[r.Name()] = r
	}
	sorted := append([]config.AdapterConfig(nil), cfgs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	s.mu.Lock()
	s.adapters = sorted
	s.runners = byName
	s.mu.Unlock()
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on port until Shutdown is called.
func (s *Server) Start(port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()

	s.logger.Info().Msgf("API server starting on :%s", port)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for open requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request served")
	}
}
