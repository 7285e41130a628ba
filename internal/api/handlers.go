package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/blastline/blastline/internal/campaign"
	"github.com/blastline/blastline/internal/engine"
	"github.com/blastline/blastline/internal/metrics"
	"github.com/blastline/blastline/internal/queue"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	AccountID  string             `json:"account_id"`
	ChannelID  string             `json:"channel_id"`
	Name       string             `json:"name"`
	Template   string             `json:"template"`
	Recipients []string           `json:"recipients"`
	Settings   *campaign.Settings `json:"settings,omitempty"`
}

// CreateCampaignResponse is the response for POST /campaigns
type CreateCampaignResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Tasks  int    `json:"tasks"`
}

// StartRequest is the optional request body for POST /campaigns/{id}/start
type StartRequest struct {
	Force bool `json:"force"`
}

// ControlResponse acknowledges a lifecycle control call
type ControlResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreateCampaign handles POST /api/v1/campaigns: it persists the
// campaign and enqueues one task per recipient in list order.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.AccountID == "" {
		s.sendError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.ChannelID == "" {
		s.sendError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients is required")
		return
	}
	if req.Template == "" {
		s.sendError(w, http.StatusBadRequest, "template is required")
		return
	}

	settings := s.defaults
	if req.Settings != nil {
		settings = *req.Settings
	}
	if settings.QuietHours.Enabled && !settings.QuietHours.Valid() {
		s.sendError(w, http.StatusBadRequest, "invalid quiet_hours window")
		return
	}

	now := time.Now()
	c := &campaign.Campaign{
		ID:         uuid.New().String(),
		AccountID:  req.AccountID,
		ChannelID:  req.ChannelID,
		Name:       req.Name,
		Template:   req.Template,
		Status:     campaign.StatusIdle,
		TotalTasks: len(req.Recipients),
		Settings:   settings,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(r.Context(), c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	tasks := make([]*queue.Task, len(req.Recipients))
	for i, recipient := range req.Recipients {
		tasks[i] = &queue.Task{
			CampaignID: c.ID,
			Index:      i,
			Recipient:  recipient,
			Body:       req.Template,
		}
	}

	if err := s.queue.Enqueue(r.Context(), c.ID, tasks); err != nil {
		s.logger.Error("failed to enqueue campaign tasks", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to enqueue tasks")
		return
	}

	s.logger.Info("campaign created via API",
		"campaign_id", c.ID,
		"account_id", c.AccountID,
		"tasks", len(tasks),
	)

	s.sendJSON(w, http.StatusCreated, CreateCampaignResponse{
		ID:     c.ID,
		Status: string(c.Status),
		Tasks:  len(tasks),
	})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := campaign.ListFilter{
		AccountID: r.URL.Query().Get("account_id"),
		Status:    campaign.Status(r.URL.Query().Get("status")),
	}

	campaigns, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	s.sendJSON(w, http.StatusOK, campaigns)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := s.engine.Status(r.Context(), id)
	if err != nil {
		s.sendControlError(w, id, err)
		return
	}

	s.sendJSON(w, http.StatusOK, status)
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req StartRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	if err := s.engine.Start(r.Context(), id, req.Force); err != nil {
		s.sendControlError(w, id, err)
		return
	}

	s.respondStatus(w, r, id)
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Pause(r.Context(), id); err != nil {
		s.sendControlError(w, id, err)
		return
	}

	s.respondStatus(w, r, id)
}

// handleResumeCampaign handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Resume(r.Context(), id); err != nil {
		s.sendControlError(w, id, err)
		return
	}

	s.respondStatus(w, r, id)
}

// handleStopCampaign handles POST /api/v1/campaigns/{id}/stop
func (s *Server) handleStopCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Stop(r.Context(), id); err != nil {
		s.sendControlError(w, id, err)
		return
	}

	s.respondStatus(w, r, id)
}

// handleCampaignRisk handles GET /api/v1/campaigns/{id}/risk
func (s *Server) handleCampaignRisk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	assessment, err := s.engine.Assess(r.Context(), id)
	if err != nil {
		s.sendControlError(w, id, err)
		return
	}

	s.sendJSON(w, http.StatusOK, assessment)
}

// handleCampaignTasks handles GET /api/v1/campaigns/{id}/tasks
func (s *Server) handleCampaignTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.sendControlError(w, id, err)
		return
	}

	stats, err := s.queue.Stats(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get queue stats", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}

	s.sendJSON(w, http.StatusOK, stats)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
	})
}

// respondStatus returns the campaign's current state after a control call
func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, id string) {
	c, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.sendControlError(w, id, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ControlResponse{
		ID:     c.ID,
		Status: string(c.Status),
	})
}

// sendControlError maps engine and store errors onto HTTP status codes
func (s *Server) sendControlError(w http.ResponseWriter, id string, err error) {
	var validation *engine.ValidationError
	var precondition *engine.PreconditionError

	switch {
	case errors.Is(err, campaign.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.As(err, &validation):
		metrics.IncAPIErrors("validation")
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &precondition),
		errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrTerminal):
		metrics.IncAPIErrors("conflict")
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrShuttingDown):
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("campaign control failed", "campaign_id", id, "error", err)
		metrics.IncAPIErrors("internal")
		s.sendError(w, http.StatusInternalServerError, "Internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
