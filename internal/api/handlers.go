package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/ratelimit"
	"github.com/foxzi/wablast/internal/recurrence"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/storage"
)

// errBadRequest marks request bodies or parameters that could not be read
var errBadRequest = errors.New("bad request")

// ErrorResponse is the error response
type ErrorResponse struct {
	Error  string                  `json:"error"`
	Fields []recurrence.FieldError `json:"fields,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
	Stats   *models.Stats `json:"stats,omitempty"`
}

// PlanRequest is the request body for POST /plan
type PlanRequest struct {
	Targets  int    `json:"targets"`
	DeviceID string `json:"device_id,omitempty"` // recent failures of this device feed adaptive plans
	pacing.Policy
}

// PlanResponse is the response for POST /plan
type PlanResponse struct {
	Plan             pacing.Plan `json:"plan"`
	Targets          int         `json:"targets"`
	Batches          int         `json:"batches"`
	EstimatedSeconds int64       `json:"estimated_seconds"`
	Estimate         string      `json:"estimate"`
	Risk             pacing.Risk `json:"risk"`
}

// ListResponse wraps list results
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.store.Stats(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Stats:   stats,
	})
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err, "Failed to get stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handlePlan handles POST /api/v1/plan
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Targets < 1 {
		s.sendError(w, http.StatusUnprocessableEntity, "targets must be at least 1")
		return
	}
	if err := pacing.ValidateManual(req.Targets, req.Policy); err != nil {
		s.writeError(w, err, "Failed to plan")
		return
	}

	policy := req.Policy
	if policy.Type == pacing.DelayAdaptive && req.DeviceID != "" && s.dispatcher != nil {
		policy.Feedback = s.dispatcher.Feedback().Feedback(req.DeviceID)
	}
	plan, err := s.sched.Planner().Plan(req.Targets, policy)
	if err != nil {
		s.writeError(w, err, "Failed to plan")
		return
	}

	estimate := plan.Estimate(req.Targets)
	s.sendJSON(w, http.StatusOK, PlanResponse{
		Plan:             plan,
		Targets:          req.Targets,
		Batches:          plan.Batches(req.Targets),
		EstimatedSeconds: int64(estimate / time.Second),
		Estimate:         estimate.String(),
		Risk:             plan.Risk,
	})
}

// handleRateLimitStats handles GET /api/v1/ratelimits/{level}/{key}
func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Rate limiting is not enabled")
		return
	}

	level := ratelimit.Level(chi.URLParam(r, "level"))
	switch level {
	case ratelimit.LevelGlobal, ratelimit.LevelDevice, ratelimit.LevelRecipient:
	default:
		s.sendError(w, http.StatusBadRequest, "level must be global, device or recipient")
		return
	}

	s.sendJSON(w, http.StatusOK, s.limiter.GetStats(level, chi.URLParam(r, "key")))
}

// decode reads a JSON body, answering 400 itself on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}

// writeError maps domain errors to HTTP statuses. Anything unrecognized is logged and
// answered with fallback.
func (s *Server) writeError(w http.ResponseWriter, err error, fallback string) {
	var ve *recurrence.ValidationError
	var fe *pacing.FloorError
	switch {
	case errors.Is(err, errBadRequest):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ve):
		s.sendJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: ve.Error(), Fields: ve.Fields})
	case errors.As(err, &fe),
		errors.Is(err, scheduler.ErrMissingContent),
		errors.Is(err, pacing.ErrInvalidPolicy),
		errors.Is(err, recurrence.ErrInvalidCampaign):
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, storage.ErrExists),
		errors.Is(err, storage.ErrInUse),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrNotEditable):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(fallback, "error", err)
		s.sendError(w, http.StatusInternalServerError, fallback)
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
