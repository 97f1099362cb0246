package server

import (
	"net/http"
	"strconv"

	"github.com/teranos/codeload/loader"
	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse/async"
	"github.com/teranos/codeload/version"
)

// loadBody is the optional body of POST /api/resources/{key}/load
type loadBody struct {
	Urgent      bool   `json:"urgent"`
	Tier        string `json:"tier"`
	RequesterID string `json:"requester_id"`
}

// HandleResourceStatus handles GET /api/resources/{key}/status
func (s *Server) HandleResourceStatus(w http.ResponseWriter, r *http.Request) {
	key, err := urlParam(r, "key")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	view, err := s.deps.Service.Status(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleRequestLoad handles POST /api/resources/{key}/load.
// 202 when a job was initiated, 200 when already loaded or loading.
func (s *Server) HandleRequestLoad(w http.ResponseWriter, r *http.Request) {
	key, err := urlParam(r, "key")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var body loadBody
	if err := readJSON(w, r, &body); err != nil {
		return
	}

	resp, err := s.deps.Service.RequestLoad(r.Context(), loader.LoadRequest{
		ResourceKey: key,
		Urgent:      body.Urgent,
		Tier:        body.Tier,
		RequesterID: body.RequesterID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if resp.Status == loader.LoadInitiated {
		status = http.StatusAccepted
		logger.AddPulseSymbol(s.logger).Infow("Load requested",
			logger.FieldResourceKey, key,
			logger.FieldJobID, shortID(resp.JobID),
			"urgent", body.Urgent)
	}
	writeJSON(w, status, resp)
}

// HandleJob handles GET /api/jobs/{id}
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	id, err := urlParam(r, "id")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	view, err := s.deps.Service.Job(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleListJobs handles GET /api/jobs?state=&limit=
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	var state *async.JobState
	if v := r.URL.Query().Get("state"); v != "" {
		if !async.IsValidState(v) {
			writeError(w, http.StatusBadRequest, "unknown job state: "+v)
			return
		}
		st := async.JobState(v)
		state = &st
	}
	limit := parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit)

	jobs, err := s.deps.Queue.ListJobs(r.Context(), state, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	views := make([]*loader.JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, loader.NewJobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  views,
		"count": len(views),
	})
}

// HandleListSources handles GET /api/sources?active=true
func (s *Server) HandleListSources(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	srcs, err := s.deps.Registry.List(r.Context(), activeOnly)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": srcs,
		"count":   len(srcs),
	})
}

// HandleSetSourceActive handles POST /api/sources/{id}/activate|deactivate.
// Sources are never disabled automatically; this is the operator switch.
func (s *Server) HandleSetSourceActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := urlParam(r, "id")
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "source id must be an integer")
			return
		}
		if err := s.deps.Registry.SetActive(r.Context(), id, active); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.logger.Infow("Source activation changed",
			logger.FieldSourceID, id,
			"is_active", active)
		writeJSON(w, http.StatusOK, SetActiveResponse{ID: id, IsActive: active})
	}
}

// HandleCacheStats handles GET /api/cache/stats
func (s *Server) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleBudget handles GET /api/budget
func (s *Server) HandleBudget(w http.ResponseWriter, r *http.Request) {
	if s.deps.Budget == nil {
		writeError(w, http.StatusServiceUnavailable, "budget tracking not configured")
		return
	}
	status, err := s.deps.Budget.GetStatus(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleTopDemand handles GET /api/demand/top?limit=
func (s *Server) HandleTopDemand(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQueryParam(r, "limit", 20, 1, maxListLimit)
	top, err := s.deps.Demand.Top(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resources": top,
		"count":     len(top),
	})
}

// HandleHealth handles GET /healthz
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Version:     version.Get().Version,
		ServerState: stateString(s.getState()),
	}

	stats, err := s.deps.Queue.GetStats(r.Context())
	if err != nil {
		resp.Status = "degraded"
		s.logger.Warnw("Health check could not read queue", logger.FieldError, err)
	} else {
		resp.Queue = stats
	}
	if s.deps.Pool != nil {
		resp.Workers = s.deps.Pool.Workers()
		metrics := s.deps.Pool.GetSystemMetrics(r.Context())
		resp.System = &metrics
	}
	if s.deps.Budget != nil {
		if b, err := s.deps.Budget.GetStatus(r.Context()); err == nil {
			resp.Budget = b
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" || s.getState() != ServerStateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
