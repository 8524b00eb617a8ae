// Package api provides HTTP handlers for the tutoring API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/edututor/internal/config"
	"github.com/ashureev/edututor/internal/tutor"
	"github.com/go-chi/chi/v5"
)

const (
	defaultMaxRequestBodySize = 64 * 1024
	defaultListLimit          = 5
	maxListLimit              = 100
)

// Error codes carried in the "error" field of error responses.
const (
	CodeValidation  = "validation_failed"
	CodeNotFound    = "not_found"
	CodeUpstream    = "upstream_unavailable"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
)

// Handler serves the profile, session and message endpoints.
type Handler struct {
	mgr         *tutor.Manager
	rateLimiter *RateLimiter
	maxBodySize int64
}

// NewHandler creates a Handler. A nil cfg uses the default rate limit.
func NewHandler(mgr *tutor.Manager, cfg *config.Config) *Handler {
	limit := 30
	window := time.Minute
	if cfg != nil {
		limit = cfg.RateLimit.RequestsPerWindow
		window = cfg.RateLimit.WindowDuration
	}

	return &Handler{
		mgr:         mgr,
		rateLimiter: NewRateLimiter(limit, window),
		maxBodySize: defaultMaxRequestBodySize,
	}
}

// RegisterRoutes registers the JSON API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/profiles", h.CreateProfile)
		r.Route("/profiles/{profileID}", func(r chi.Router) {
			r.Get("/", h.GetProfile)
			r.Post("/sessions", h.CreateSession)
			r.Get("/sessions", h.ListSessions)
			r.Get("/sessions/{sessionID}/messages", h.GetTranscript)
			r.Post("/sessions/{sessionID}/end", h.EndSession)
			r.Post("/messages", h.SendMessage)
		})
		r.Post("/assistant/chat", h.AssistantChat)
	})
}

// Limiter returns the per-profile limiter guarding message sends, for
// other transports that accept sends.
func (h *Handler) Limiter() *RateLimiter {
	return h.rateLimiter
}

// Close stops background work.
func (h *Handler) Close() {
	h.rateLimiter.Close()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "internal", "message": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string   `json:"error"`
	Message   string   `json:"message"`
	Fields    []string `json:"fields,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Error: code, Message: message})
}

// WriteError maps a manager error onto its status code and body.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := Classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	JSON(w, status, body)
}

// Classify returns the HTTP status and error body for err.
func Classify(err error) (int, ErrorBody) {
	var (
		verr  *tutor.ValidationError
		upErr *tutor.UpstreamError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorBody{Error: CodeValidation, Message: verr.Error(), Fields: verr.Fields}
	case errors.Is(err, tutor.ErrValidation):
		return http.StatusBadRequest, ErrorBody{Error: CodeValidation, Message: err.Error()}
	case errors.Is(err, tutor.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Error: CodeNotFound, Message: err.Error()}
	case errors.As(err, &upErr):
		return http.StatusServiceUnavailable, ErrorBody{
			Error:     CodeUpstream,
			Message:   "the tutor is unavailable right now; your message was saved",
			SessionID: upErr.SessionID,
		}
	case errors.Is(err, tutor.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, ErrorBody{Error: CodeUpstream, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: CodeInternal, Message: "internal error"}
	}
}

// decodeJSON reads a bounded JSON body into v.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, CodeValidation, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return false
	}
	return true
}
