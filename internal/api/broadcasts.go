package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/storage"
)

// BroadcastRequest is the request body for POST and PUT /broadcasts
type BroadcastRequest struct {
	OwnerID     string     `json:"owner_id,omitempty"`
	DeviceID    string     `json:"device_id"`
	Message     string     `json:"message"`
	MediaURL    string     `json:"media_url,omitempty"`
	Targets     []string   `json:"targets"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	pacing.Policy

	// Version, when set on update, must match the stored one
	Version int64 `json:"version,omitempty"`
}

func (req *BroadcastRequest) apply(b *models.Broadcast) {
	b.DeviceID = req.DeviceID
	b.Message = req.Message
	b.MediaURL = req.MediaURL
	b.Targets = req.Targets
	b.ScheduledAt = nil
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		b.ScheduledAt = &at
	}
	b.SetPolicy(req.Policy)
}

// handleBroadcastCreate handles POST /api/v1/broadcasts
func (s *Server) handleBroadcastCreate(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		s.sendError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown delay_type %q", req.Type))
		return
	}

	now := s.now()
	b := &models.Broadcast{
		ID:        s.newID(),
		OwnerID:   req.OwnerID,
		Status:    models.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	req.apply(b)
	if err := scheduler.ValidateBroadcast(b); err != nil {
		s.writeError(w, err, "Failed to create broadcast")
		return
	}
	if err := s.store.CreateBroadcast(r.Context(), b); err != nil {
		s.writeError(w, err, "Failed to create broadcast")
		return
	}

	s.logger.Info("broadcast created",
		"broadcast_id", b.ID,
		"device_id", b.DeviceID,
		"targets", len(b.Targets),
		"scheduled_at", b.ScheduledAt,
	)
	s.sendJSON(w, http.StatusCreated, b)
}

// handleBroadcastList handles GET /api/v1/broadcasts
func (s *Server) handleBroadcastList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.BroadcastFilter{
		Status:     models.BroadcastStatus(q.Get("status")),
		DeviceID:   q.Get("device_id"),
		CampaignID: q.Get("campaign_id"),
		OwnerID:    q.Get("owner_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
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

	broadcasts, err := s.store.ListBroadcasts(r.Context(), filter)
	if err != nil {
		s.writeError(w, err, "Failed to list broadcasts")
		return
	}
	if broadcasts == nil {
		broadcasts = []*models.Broadcast{}
	}
	s.sendJSON(w, http.StatusOK, ListResponse[*models.Broadcast]{Items: broadcasts, Total: len(broadcasts)})
}

// handleBroadcastGet handles GET /api/v1/broadcasts/{id}
func (s *Server) handleBroadcastGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBroadcast(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to get broadcast")
		return
	}
	s.sendJSON(w, http.StatusOK, b)
}

// handleBroadcastUpdate handles PUT /api/v1/broadcasts/{id}. Only drafts can change.
func (s *Server) handleBroadcastUpdate(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		s.sendError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown delay_type %q", req.Type))
		return
	}

	now := s.now()
	b, err := s.store.MutateBroadcast(r.Context(), chi.URLParam(r, "id"), func(b *models.Broadcast) error {
		if req.Version != 0 && req.Version != b.Version {
			return fmt.Errorf("%w: broadcast %s is at version %d", storage.ErrVersionConflict, b.ID, b.Version)
		}
		if err := lifecycle.Edit(b, now, req.apply); err != nil {
			return err
		}
		return scheduler.ValidateBroadcast(b)
	})
	if err != nil {
		s.writeError(w, err, "Failed to update broadcast")
		return
	}

	s.logger.Info("broadcast updated", "broadcast_id", b.ID, "version", b.Version)
	s.sendJSON(w, http.StatusOK, b)
}

// handleBroadcastDelete handles DELETE /api/v1/broadcasts/{id}
func (s *Server) handleBroadcastDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteBroadcast(r.Context(), id); err != nil {
		s.writeError(w, err, "Failed to delete broadcast")
		return
	}
	s.logger.Info("broadcast deleted", "broadcast_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleBroadcastSend handles POST /api/v1/broadcasts/{id}/send
func (s *Server) handleBroadcastSend(w http.ResponseWriter, r *http.Request) {
	b, err := s.dispatcher.Send(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to start broadcast")
		return
	}
	s.sendJSON(w, http.StatusAccepted, b)
}

// handleBroadcastCancel handles POST /api/v1/broadcasts/{id}/cancel
func (s *Server) handleBroadcastCancel(w http.ResponseWriter, r *http.Request) {
	b, err := s.dispatcher.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to cancel broadcast")
		return
	}
	s.sendJSON(w, http.StatusOK, b)
}

// handleBroadcastRetry handles POST /api/v1/broadcasts/{id}/retry
func (s *Server) handleBroadcastRetry(w http.ResponseWriter, r *http.Request) {
	b, err := s.dispatcher.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to retry broadcast")
		return
	}
	s.sendJSON(w, http.StatusAccepted, b)
}

// handleBroadcastDuplicate handles POST /api/v1/broadcasts/{id}/duplicate
func (s *Server) handleBroadcastDuplicate(w http.ResponseWriter, r *http.Request) {
	src, err := s.store.GetBroadcast(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to duplicate broadcast")
		return
	}

	d := lifecycle.Duplicate(src, s.newID(), s.now())
	if err := s.store.CreateBroadcast(r.Context(), d); err != nil {
		s.writeError(w, err, "Failed to duplicate broadcast")
		return
	}

	s.logger.Info("broadcast duplicated", "broadcast_id", d.ID, "source_id", src.ID)
	s.sendJSON(w, http.StatusCreated, d)
}
