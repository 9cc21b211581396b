package api

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lucid-vigil/fleet/pkg/actions"
	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/lucid-vigil/fleet/pkg/scheduler"
	"github.com/lucid-vigil/fleet/pkg/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// AdapterInfo describes one configured adapter. Client secrets are
// redacted.
type AdapterInfo struct {
	Name     string                  `json:"name"`
	Type     string                  `json:"type"`
	Enabled  bool                    `json:"enabled"`
	Schedule string                  `json:"schedule"`
	Actions  []string                `json:"actions,omitempty"`
	Clients  []ClientInfo            `json:"clients"`
	Job      *scheduler.JobStatus    `json:"job,omitempty"`
	Status   []adapters.ClientStatus `json:"status,omitempty"`
}

type ClientInfo struct {
	ID       string                 `json:"id"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// ActionRequest is the body of POST /api/v1/actions/:name.
type ActionRequest struct {
	DeviceID uint64                 `json:"device_id" binding:"required"`
	Params   map[string]interface{} `json:"params"`
}

func (s *Server) healthz(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) listAdapters(c *gin.Context) {
	jobs := make(map[string]scheduler.JobStatus)
	if s.deps.Scheduler != nil {
		for _, st := range s.deps.Scheduler.Status() {
			jobs[st.Name] = st
		}
	}

	s.mu.RLock()
	cfgs := s.adapters
	runners := s.runners
	s.mu.RUnlock()

	out := make([]AdapterInfo, 0, len(cfgs))
	for _, ac := range cfgs {
		info := AdapterInfo{
			Name:     ac.Name,
			Type:     ac.Type,
			Enabled:  ac.Enabled,
			Schedule: scheduler.Schedule{Cron: ac.Cron}.String(),
			Actions:  ac.Actions,
			Clients:  make([]ClientInfo, 0, len(ac.Clients)),
		}
		if d, err := ac.IntervalDuration(); err == nil && d > 0 {
			info.Schedule = scheduler.Schedule{Interval: d}.String()
		}

		var schema *adapters.Schema
		if r, ok := runners[ac.Name]; ok {
			sc := r.Adapter().ClientSchema()
			schema = &sc
			info.Status = r.Status()
		} else if a, err := s.deps.Registry.New(ac.Type, s.logger); err == nil {
			sc := a.ClientSchema()
			schema = &sc
		}
		for _, cc := range ac.Clients {
			ci := ClientInfo{ID: cc.ID}
			// settings of unknown adapter types are never shown
			if schema != nil {
				ci.Settings = schema.Redact(cc.Settings)
			}
			info.Clients = append(info.Clients, ci)
		}

		if st, ok := jobs[ac.Name]; ok {
			info.Job = &st
		}
		out = append(out, info)
	}

	success(c, http.StatusOK, "Adapters retrieved successfully", out)
}

func (s *Server) adapterTypes(c *gin.Context) {
	success(c, http.StatusOK, "Adapter types retrieved successfully", s.deps.Registry.Schemas())
}

func (s *Server) triggerFetch(c *gin.Context) {
	name := c.Param("name")
	if s.deps.Scheduler == nil {
		failure(c, http.StatusServiceUnavailable, "Scheduler is not available", nil)
		return
	}

	err := s.deps.Scheduler.TriggerNow(name)
	switch {
	case err == nil:
		s.logger.Info().Str("adapter", name).Msg("Fetch triggered through the API")
		success(c, http.StatusAccepted, "Fetch started", gin.H{"adapter": name})
	case stderrors.Is(err, scheduler.ErrJobNotFound):
		notFound(c, fmt.Sprintf("Adapter %q is not scheduled", name))
	case stderrors.Is(err, scheduler.ErrJobRunning):
		failure(c, http.StatusConflict, "Fetch already in progress", err)
	case stderrors.Is(err, scheduler.ErrNotRunning):
		failure(c, http.StatusServiceUnavailable, "Scheduler is not running", err)
	default:
		failure(c, http.StatusInternalServerError, "Failed to trigger fetch", err)
	}
}

// pageParams reads page and page_size, 1-based.
func pageParams(c *gin.Context) (page, size int, err error) {
	page, size = 1, defaultPageSize
	if v := c.Query("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, fmt.Errorf("invalid page %q", v)
		}
	}
	if v := c.Query("page_size"); v != "" {
		if size, err = strconv.Atoi(v); err != nil || size < 1 {
			return 0, 0, fmt.Errorf("invalid page_size %q", v)
		}
		if size > maxPageSize {
			size = maxPageSize
		}
	}
	return page, size, nil
}

func (s *Server) listDevices(c *gin.Context) {
	page, size, err := pageParams(c)
	if err != nil {
		failure(c, http.StatusBadRequest, "Invalid pagination", err)
		return
	}

	filter := store.DeviceFilter{
		Adapter:  c.Query("adapter"),
		Client:   c.Query("client"),
		Hostname: c.Query("hostname"),
		EntityID: c.Query("entity_id"),
	}
	total, err := s.deps.Store.CountDevices(c.Request.Context(), filter)
	if err != nil {
		failure(c, http.StatusInternalServerError, "Failed to count devices", err)
		return
	}

	filter.Limit = size
	filter.Offset = (page - 1) * size
	recs, err := s.deps.Store.ListDevices(c.Request.Context(), filter)
	if err != nil {
		failure(c, http.StatusInternalServerError, "Failed to list devices", err)
		return
	}

	success(c, http.StatusOK, "Devices retrieved successfully", ListResponse{
		Items: recs,
		Pagination: &Pagination{
			Total:      total,
			Page:       page,
			PageSize:   size,
			TotalPages: int((total + int64(size) - 1) / int64(size)),
		},
	})
}

func (s *Server) getDevice(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		failure(c, http.StatusBadRequest, "Invalid ID", err)
		return
	}

	rec, err := s.deps.Store.GetDeviceByID(c.Request.Context(), id)
	if err != nil {
		failure(c, http.StatusInternalServerError, "Failed to load device", err)
		return
	}
	if rec == nil {
		notFound(c, "Device not found")
		return
	}
	success(c, http.StatusOK, "Device retrieved successfully", rec)
}

// getEntity serves /entities/*id; entity ids are device keys and contain
// slashes.
func (s *Server) getEntity(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("id"), "/")
	if id == "" {
		failure(c, http.StatusBadRequest, "Invalid ID", nil)
		return
	}

	entity, err := s.deps.Store.GetEntity(c.Request.Context(), id)
	if err != nil {
		failure(c, http.StatusInternalServerError, "Failed to load entity", err)
		return
	}
	if entity == nil {
		notFound(c, "Entity not found")
		return
	}
	devices, err := s.deps.Store.ListEntityDevices(c.Request.Context(), id)
	if err != nil {
		failure(c, http.StatusInternalServerError, "Failed to load entity devices", err)
		return
	}

	success(c, http.StatusOK, "Entity retrieved successfully", gin.H{
		"entity":  entity,
		"devices": devices,
	})
}

func (s *Server) listUsers(c *gin.Context) {
	page, size, err := pageParams(c)
	if err != nil {
		failure(c, http.StatusBadRequest, "Invalid pagination", err)
		return
	}

	recs, err := s.deps.Store.ListUsers(c.Request.Context(), store.UserFilter{
		Adapter:  c.Query("adapter"),
		Client:   c.Query("client"),
		Username: c.Query("username"),
		Limit:    size,
		Offset:   (page - 1) * size,
	})
	if err != nil {
		failure(c, http.StatusInternalServerError, "Failed to list users", err)
		return
	}
	success(c, http.StatusOK, "Users retrieved successfully", ListResponse{Items: recs})
}

func (s *Server) listFetches(c *gin.Context) {
	limit := defaultPageSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			failure(c, http.StatusBadRequest, "Invalid limit", fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxPageSize)
	}

	runs, err := s.deps.Store.ListFetchRuns(c.Request.Context(), c.Query("adapter"), limit)
	if err != nil {
		failure(c, http.StatusInternalServerError, "Failed to list fetch runs", err)
		return
	}
	success(c, http.StatusOK, "Fetch runs retrieved successfully", ListResponse{Items: runs})
}

func (s *Server) listActions(c *gin.Context) {
	if s.deps.Actions == nil {
		success(c, http.StatusOK, "Actions retrieved successfully", gin.H{"enabled": false, "actions": []string{}})
		return
	}
	success(c, http.StatusOK, "Actions retrieved successfully", gin.H{
		"enabled": s.deps.Actions.IsEnabled(),
		"actions": s.deps.Actions.Actions(),
	})
}

func (s *Server) runAction(c *gin.Context) {
	name := c.Param("name")
	if s.deps.Actions == nil {
		failure(c, http.StatusServiceUnavailable, "Actions are not available", nil)
		return
	}

	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := s.deps.Actions.ExecuteOnRecord(c.Request.Context(), name, req.DeviceID, req.Params)
	var actionErr *errors.AdapterError
	switch {
	case err == nil:
		success(c, http.StatusOK, "Action executed successfully", gin.H{"action": name, "device_id": req.DeviceID})
	case stderrors.Is(err, actions.ErrDisabled):
		failure(c, http.StatusForbidden, "Actions are disabled", err)
	case stderrors.Is(err, actions.ErrUnknownAction):
		notFound(c, fmt.Sprintf("Action %q not found", name))
	case stderrors.Is(err, actions.ErrDeviceNotFound):
		notFound(c, "Device not found")
	case stderrors.As(err, &actionErr) && actionErr.ErrorType == errors.TypeAction:
		failure(c, http.StatusBadGateway, "Action failed", err)
	default:
		failure(c, http.StatusInternalServerError, "Failed to execute action", err)
	}
}
