package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailkite/mailkite/internal/assign"
	"github.com/mailkite/mailkite/internal/campaign"
	"github.com/mailkite/mailkite/internal/dispatch"
	"github.com/mailkite/mailkite/internal/models"
	"github.com/mailkite/mailkite/internal/repository"
)

// CampaignResponse is the campaign read model.
type CampaignResponse struct {
	*models.Campaign
	Variants []models.Variant `json:"variants,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleCreateCampaign handles POST /api/v1/campaigns.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := s.service.Create(r.Context(), &in)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, CampaignResponse{Campaign: c, Variants: in.Variants})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}.
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, variants, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, CampaignResponse{Campaign: c, Variants: variants})
}

// handleStartSend handles POST /api/v1/campaigns/{id}/send.
func (s *Server) handleStartSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.StartSend(r.Context(), id); err != nil {
		s.serviceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleCancelTest handles POST /api/v1/campaigns/{id}/cancel-test.
func (s *Server) handleCancelTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.CancelTest(r.Context(), id); err != nil {
		s.serviceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleStats handles GET /api/v1/campaigns/{id}/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, view)
}

// handleExport handles GET /api/v1/campaigns/{id}/export.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="campaign-%s.csv"`, id))
	if err := s.service.ExportCSV(r.Context(), id, w); err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			// Headers not flushed yet for an unknown id; the lookup fails
			// before the first write.
			w.Header().Del("Content-Disposition")
			s.sendError(w, http.StatusNotFound, "campaign not found")
			return
		}
		s.logger.Error("export failed", "campaign_id", id, "error", err)
	}
}

// ContactRequest is the request body for POST /api/v1/contacts.
type ContactRequest struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		s.sendError(w, http.StatusBadRequest, "email is required")
		return
	}

	contact := &models.Contact{
		Email:   req.Email,
		Name:    req.Name,
		Country: req.Country,
		City:    req.City,
	}
	if err := s.contacts.Create(contact); err != nil {
		s.logger.Error("failed to create contact", "error", err)
		s.sendError(w, http.StatusConflict, "contact could not be created")
		return
	}
	s.sendJSON(w, http.StatusCreated, contact)
}

// ListRequest is the request body for POST /api/v1/lists.
type ListRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var req ListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	list := &models.List{Name: req.Name}
	if err := s.contacts.CreateList(list); err != nil {
		s.logger.Error("failed to create list", "error", err)
		s.sendError(w, http.StatusInternalServerError, "list could not be created")
		return
	}
	s.sendJSON(w, http.StatusCreated, list)
}

// MemberRequest is the request body for POST /api/v1/lists/{id}/members.
type MemberRequest struct {
	ContactID string `json:"contact_id"`
}

func (s *Server) handleAddListMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ContactID == "" {
		s.sendError(w, http.StatusBadRequest, "contact_id is required")
		return
	}

	if err := s.contacts.AddToList(chi.URLParam(r, "id"), req.ContactID); err != nil {
		s.logger.Error("failed to add list member", "error", err)
		s.sendError(w, http.StatusBadRequest, "member could not be added")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serviceError maps service errors to HTTP status codes.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	var verr *campaign.ValidationError
	switch {
	case errors.As(err, &verr):
		s.sendError(w, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, repository.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "campaign not found")
	case errors.Is(err, campaign.ErrNotTesting):
		s.sendError(w, http.StatusConflict, "campaign has no active test window")
	case errors.Is(err, repository.ErrConflict):
		s.sendError(w, http.StatusConflict, "campaign state changed concurrently")
	case errors.Is(err, assign.ErrEmptyAudience):
		s.sendError(w, http.StatusUnprocessableEntity, "audience resolved to zero contacts")
	case errors.Is(err, dispatch.ErrTransportUnavailable):
		s.sendError(w, http.StatusBadGateway, "transport unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
