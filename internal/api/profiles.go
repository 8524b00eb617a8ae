package api

import (
	"net/http"

	"github.com/ashureev/edututor/internal/domain"
	"github.com/go-chi/chi/v5"
)

// CreateProfile handles POST /api/profiles.
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var in domain.ProfileInput
	if !h.decodeJSON(w, r, &in) {
		return
	}

	p, err := h.mgr.CreateProfile(r.Context(), in)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, p)
}

// GetProfile handles GET /api/profiles/{profileID}.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.mgr.GetProfile(r.Context(), chi.URLParam(r, "profileID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, p)
}
