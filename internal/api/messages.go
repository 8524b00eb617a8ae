package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/edututor/internal/tutor"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// SendMessageRequest is the body of POST .../messages.
type SendMessageRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// AssistantChatRequest is the body of POST /api/assistant/chat.
type AssistantChatRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// SendMessage handles POST /api/profiles/{profileID}/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")

	var req SendMessageRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	h.send(w, r, tutor.SendRequest{ProfileID: profileID, SessionID: req.SessionID, Text: req.Message})
}

// AssistantChat handles POST /api/assistant/chat. It always continues the
// profile's latest active session or starts one.
func (h *Handler) AssistantChat(w http.ResponseWriter, r *http.Request) {
	var req AssistantChatRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		WriteError(w, r, &tutor.ValidationError{Fields: []string{"user_id"}, Reason: "required fields missing"})
		return
	}
	h.send(w, r, tutor.SendRequest{ProfileID: req.UserID, Text: req.Text})
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request, req tutor.SendRequest) {
	// Rate-limit by profile only so rotating session IDs does not help.
	if !h.rateLimiter.Allow(req.ProfileID) {
		Error(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
		return
	}

	slog.Info("Tutor message request",
		"profile_id", req.ProfileID,
		"session_id", req.SessionID,
		"message_length", len(req.Text),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	reply, err := h.mgr.SendMessage(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}
