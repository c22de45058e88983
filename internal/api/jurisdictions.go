package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

func (s *Server) listJurisdictions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	profiles, err := s.deps.Store.ListProfiles(r.Context(), activeOnly)
	if err != nil {
		s.storeError(w, err, "jurisdictions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jurisdictions": profiles})
}

func (s *Server) getJurisdiction(w http.ResponseWriter, r *http.Request) {
	profile, err := s.deps.Store.GetProfile(r.Context(), chi.URLParam(r, "jurisdiction_id"))
	if err != nil {
		s.storeError(w, err, "jurisdiction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jurisdiction": profile})
}

// putJurisdiction validates and stores a profile. Invalid profiles are rejected before they
// can reach a run.
func (s *Server) putJurisdiction(w http.ResponseWriter, r *http.Request) {
	var profile lien.Profile
	if err := decodeJSON(r, &profile); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "jurisdiction_id")
	switch profile.ID {
	case "":
		profile.ID = id
	case id:
	default:
		writeError(w, http.StatusBadRequest, "body id does not match path")
		return
	}
	if err := profile.Validate(); err != nil {
		var pe *lien.ProfileError
		if errors.As(err, &pe) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": pe.Error(), "field": pe.Field})
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.deps.Store.UpsertProfile(r.Context(), profile); err != nil {
		s.storeError(w, err, "jurisdiction")
		return
	}
	stored, err := s.deps.Store.GetProfile(r.Context(), profile.ID)
	if err != nil {
		s.storeError(w, err, "jurisdiction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jurisdiction": stored})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultLogLimit, maxLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deps.Store.ListLogs(r.Context(), limit)
	if err != nil {
		s.storeError(w, err, "logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}
