package live

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gmcompanion/livesession/internal/id"
	apperrors "github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/session/domain"
	"github.com/gmcompanion/livesession/internal/storage"
)

type openSessionRequest struct {
	CampaignID string `json:"campaign_id"`
	UserID     string `json:"user_id"`
	Proof      string `json:"proof"`
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// handleOpenSession creates a session in Forming state. Only a GM grant for
// the campaign may open one.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.CodeInvalid, "request body is not valid JSON"))
		return
	}

	role, err := s.auth.Authorize(r.Context(), req.CampaignID, req.UserID, req.Proof)
	if err != nil {
		writeError(w, err)
		return
	}
	if role != domain.RoleGM {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "only the GM may open a session"))
		return
	}

	session, err := s.registry.OpenSession(r.Context(), req.CampaignID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, openSessionResponse{
		SessionID: session.ID,
		Status:    session.Status.String(),
	})
}

type putTriggerRequest struct {
	CampaignID string `json:"campaign_id"`
	UserID     string `json:"user_id"`
	Proof      string `json:"proof"`
	TriggerID  string `json:"trigger_id,omitempty"`
	Term       string `json:"term"`
	RefID      string `json:"ref_id"`
	Audience   string `json:"audience"`
}

type putTriggerResponse struct {
	TriggerID string `json:"trigger_id"`
}

// handlePutTrigger upserts one keyword trigger in the campaign dictionary.
func (s *Server) handlePutTrigger(w http.ResponseWriter, r *http.Request) {
	var req putTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.CodeInvalid, "request body is not valid JSON"))
		return
	}
	if strings.TrimSpace(req.Term) == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalid, "trigger term is required"))
		return
	}
	audience := strings.TrimSpace(req.Audience)
	if audience != "all" && audience != "gm" {
		writeError(w, apperrors.New(apperrors.CodeInvalid, "audience must be all or gm"))
		return
	}

	role, err := s.auth.Authorize(r.Context(), req.CampaignID, req.UserID, req.Proof)
	if err != nil {
		writeError(w, err)
		return
	}
	if role != domain.RoleGM {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "only the GM may edit triggers"))
		return
	}

	triggerID := strings.TrimSpace(req.TriggerID)
	if triggerID == "" {
		triggerID, err = id.NewID()
		if err != nil {
			writeError(w, apperrors.Wrap(apperrors.CodeInternal, "generate trigger id", err))
			return
		}
	}
	record := storage.TriggerRecord{
		ID:         triggerID,
		CampaignID: req.CampaignID,
		Term:       req.Term,
		RefID:      req.RefID,
		Audience:   audience,
	}
	if err := s.store.PutTrigger(r.Context(), record); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, putTriggerResponse{TriggerID: triggerID})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorResponse{
		Code:    string(code),
		Message: err.Error(),
	})
}

func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeInvalid:
		return http.StatusBadRequest
	case apperrors.CodeBusy:
		return http.StatusTooManyRequests
	case apperrors.CodeStaleVersion, apperrors.CodeSessionClosed:
		return http.StatusConflict
	case apperrors.CodeUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
