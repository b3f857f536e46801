package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/recurrence"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/tz"
)

// CampaignRequest is the request body for POST and PUT /campaigns
type CampaignRequest struct {
	OwnerID  string   `json:"owner_id,omitempty"`
	DeviceID string   `json:"device_id"`
	Name     string   `json:"name"`
	Message  string   `json:"message"`
	MediaURL string   `json:"media_url,omitempty"`
	Targets  []string `json:"targets"`

	Frequency     models.Frequency `json:"frequency"`
	IntervalValue int              `json:"interval_value,omitempty"`
	DaysOfWeek    []int            `json:"days_of_week,omitempty"`
	DayOfMonth    int              `json:"day_of_month,omitempty"`
	TimeOfDay     tz.Clock         `json:"time_of_day"`
	Timezone      string           `json:"timezone"`
	StartDate     tz.LocalDate     `json:"start_date"`
	EndDate       tz.LocalDate     `json:"end_date"`
	MaxExecutions int              `json:"max_executions,omitempty"`

	Pacing   pacing.Policy `json:"pacing"`
	IsActive *bool         `json:"is_active,omitempty"`

	// Version is required on update
	Version int64 `json:"version,omitempty"`
}

// apply copies the editable fields onto c. OwnerID is set at creation only.
func (req *CampaignRequest) apply(c *models.RecurringCampaign) {
	c.DeviceID = req.DeviceID
	c.Name = req.Name
	c.Message = req.Message
	c.MediaURL = req.MediaURL
	c.Targets = req.Targets
	c.Frequency = req.Frequency
	c.IntervalValue = req.IntervalValue
	c.DaysOfWeek = req.DaysOfWeek
	c.DayOfMonth = req.DayOfMonth
	c.TimeOfDay = req.TimeOfDay
	c.Timezone = req.Timezone
	c.StartDate = req.StartDate
	c.EndDate = req.EndDate
	c.MaxExecutions = req.MaxExecutions
	c.Pacing = req.Pacing
	c.Pacing.Feedback = nil
	if req.IsActive != nil {
		c.IsActive = *req.IsActive
	}
}

// PreviewResponse is the response for GET /campaigns/{id}/preview
type PreviewResponse struct {
	CampaignID string      `json:"campaign_id"`
	Timezone   string      `json:"timezone"`
	Fires      []time.Time `json:"fires"`
	Local      []string    `json:"local"`
}

// handleCampaignCreate handles POST /api/v1/campaigns
func (s *Server) handleCampaignCreate(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	now := s.now()
	c := &models.RecurringCampaign{ID: s.newID(), OwnerID: req.OwnerID, IsActive: true, CreatedAt: now}
	req.apply(c)
	if err := scheduler.Validate(c); err != nil {
		s.writeError(w, err, "Failed to create campaign")
		return
	}
	if err := s.sched.Refresh(c, now); err != nil {
		s.writeError(w, err, "Failed to create campaign")
		return
	}
	if err := s.store.CreateCampaign(r.Context(), c); err != nil {
		s.writeError(w, err, "Failed to create campaign")
		return
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "frequency", c.Frequency, "next_send_at", c.NextSendAt)
	s.sendJSON(w, http.StatusCreated, c)
}

// handleCampaignList handles GET /api/v1/campaigns
func (s *Server) handleCampaignList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.CampaignFilter{
		DeviceID: q.Get("device_id"),
		OwnerID:  q.Get("owner_id"),
	}
	switch q.Get("active") {
	case "":
	case "true":
		filter.Active = boolPtr(true)
	case "false":
		filter.Active = boolPtr(false)
	default:
		s.sendError(w, http.StatusBadRequest, "active must be true or false")
		return
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit", 100); err != nil {
		s.writeError(w, err, "")
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.writeError(w, err, "")
		return
	}

	campaigns, err := s.store.ListCampaigns(r.Context(), filter)
	if err != nil {
		s.writeError(w, err, "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*models.RecurringCampaign{}
	}
	s.sendJSON(w, http.StatusOK, ListResponse[*models.RecurringCampaign]{Items: campaigns, Total: len(campaigns)})
}

// handleCampaignGet handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to get campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCampaignUpdate handles PUT /api/v1/campaigns/{id}
func (s *Server) handleCampaignUpdate(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Version == 0 {
		s.sendError(w, http.StatusUnprocessableEntity, "version is required")
		return
	}

	current, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to update campaign")
		return
	}

	now := s.now()
	c := current.Clone()
	req.apply(c)
	c.Version = req.Version
	c.UpdatedAt = now
	if err := scheduler.Validate(c); err != nil {
		s.writeError(w, err, "Failed to update campaign")
		return
	}
	if err := s.sched.Refresh(c, now); err != nil {
		s.writeError(w, err, "Failed to update campaign")
		return
	}
	if err := s.store.UpdateCampaign(r.Context(), c); err != nil {
		s.writeError(w, err, "Failed to update campaign")
		return
	}

	s.logger.Info("campaign updated", "campaign_id", c.ID, "version", c.Version)
	s.sendJSON(w, http.StatusOK, c)
}

// handleCampaignDelete handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleCampaignDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteCampaign(r.Context(), id); err != nil {
		s.writeError(w, err, "Failed to delete campaign")
		return
	}
	s.logger.Info("campaign deleted", "campaign_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleCampaignPause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

// handleCampaignResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

// setActive flips IsActive and recomputes the cursor. A resumed campaign only fires
// occurrences from now on.
func (s *Server) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	now := s.now()
	c, err := s.store.MutateCampaign(r.Context(), chi.URLParam(r, "id"), func(c *models.RecurringCampaign) error {
		c.IsActive = active
		c.UpdatedAt = now
		return s.sched.Refresh(c, now)
	})
	if err != nil {
		s.writeError(w, err, "Failed to update campaign")
		return
	}

	s.logger.Info("campaign state changed", "campaign_id", c.ID, "active", active, "next_send_at", c.NextSendAt)
	s.sendJSON(w, http.StatusOK, c)
}

// handleCampaignPreview handles GET /api/v1/campaigns/{id}/preview?n=5&at=RFC3339
func (s *Server) handleCampaignPreview(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", 5)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	n = min(max(n, 1), 50)

	ref := s.now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		if ref, err = time.Parse(time.RFC3339, raw); err != nil {
			s.sendError(w, http.StatusBadRequest, "at must be an RFC3339 timestamp")
			return
		}
	}

	c, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to preview campaign")
		return
	}
	// an instant already fired never comes again
	if c.LastSentAt != nil && !c.LastSentAt.Before(ref) {
		ref = c.LastSentAt.Add(time.Nanosecond)
	}

	fires, err := recurrence.Preview(c, ref, n)
	if err != nil {
		s.writeError(w, err, "Failed to preview campaign")
		return
	}
	loc, err := tz.Default().Location(c.Timezone)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", recurrence.ErrInvalidCampaign, err), "")
		return
	}

	resp := PreviewResponse{CampaignID: c.ID, Timezone: c.Timezone, Fires: []time.Time{}, Local: []string{}}
	for _, f := range fires {
		resp.Fires = append(resp.Fires, f.UTC())
		resp.Local = append(resp.Local, f.In(loc).Format("2006-01-02 15:04 MST"))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func boolPtr(b bool) *bool { return &b }
