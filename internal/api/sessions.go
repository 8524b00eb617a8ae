package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/edututor/internal/domain"
	"github.com/ashureev/edututor/internal/store"
	"github.com/ashureev/edututor/internal/tutor"
	"github.com/go-chi/chi/v5"
)

// SessionCreatedResponse is returned by POST .../sessions.
type SessionCreatedResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionListResponse wraps a session listing.
type SessionListResponse struct {
	Sessions []*domain.Session `json:"sessions"`
}

// TranscriptResponse is a session and its ordered messages.
type TranscriptResponse struct {
	Session  *domain.Session  `json:"session"`
	Messages []domain.Message `json:"messages"`
}

// CreateSession handles POST /api/profiles/{profileID}/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.mgr.CreateSession(r.Context(), chi.URLParam(r, "profileID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, SessionCreatedResponse{SessionID: sess.ID, CreatedAt: sess.CreatedAt})
}

// ListSessions handles GET /api/profiles/{profileID}/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	sessions, err := h.mgr.ListSessions(r.Context(), chi.URLParam(r, "profileID"), opts)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, SessionListResponse{Sessions: sessions})
}

func parseListOptions(r *http.Request) (store.ListOptions, error) {
	opts := store.ListOptions{Limit: defaultListLimit}
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return opts, &tutor.ValidationError{Fields: []string{"limit"}, Reason: "limit must be a positive integer"}
		}
		opts.Limit = min(n, maxListLimit)
	}

	if raw := q.Get("since"); raw != "" {
		since, err := parseSince(raw)
		if err != nil {
			return opts, &tutor.ValidationError{Fields: []string{"since"}, Reason: "since must be RFC 3339 or YYYY-MM-DD"}
		}
		opts.Since = since
	}
	return opts, nil
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

// GetTranscript handles GET /api/profiles/{profileID}/sessions/{sessionID}/messages.
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	sess, messages, err := h.mgr.Transcript(r.Context(), chi.URLParam(r, "profileID"), chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	JSON(w, http.StatusOK, TranscriptResponse{Session: sess, Messages: messages})
}

// EndSession handles POST /api/profiles/{profileID}/sessions/{sessionID}/end.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.mgr.EndSession(r.Context(), chi.URLParam(r, "profileID"), chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}
