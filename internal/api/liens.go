package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

const (
	defaultLienLimit = 100
	maxLienLimit     = 1000
)

func (s *Server) listLiens(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultLienLimit, maxLienLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := lien.LienFilter{
		JurisdictionID: q.Get("jurisdiction"),
		Limit:          limit,
		Offset:         offset,
	}
	if raw := q.Get("status"); raw != "" {
		filter.Status = lien.Status(raw)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if raw := q.Get("missing_document"); raw != "" {
		missing, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid missing_document")
			return
		}
		filter.MissingDocument = missing
	}
	liens, err := s.deps.Store.ListLiens(r.Context(), filter)
	if err != nil {
		s.storeError(w, err, "liens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"liens": liens})
}

func (s *Server) getLien(w http.ResponseWriter, r *http.Request) {
	record, err := s.deps.Store.GetLien(r.Context(), chi.URLParam(r, "lien_id"))
	if err != nil {
		s.storeError(w, err, "lien")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lien": record})
}

func (s *Server) deleteLien(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteLien(r.Context(), chi.URLParam(r, "lien_id")); err != nil {
		s.storeError(w, err, "lien")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type lienStatusRequest struct {
	Status     string  `json:"status"`
	ExternalID *string `json:"external_id"`
}

func (s *Server) updateLienStatus(w http.ResponseWriter, r *http.Request) {
	var req lienStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next := lien.Status(req.Status)
	if !next.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	id := chi.URLParam(r, "lien_id")
	if err := s.deps.Store.UpdateLienStatus(r.Context(), id, next, req.ExternalID); err != nil {
		s.storeError(w, err, "lien")
		return
	}
	record, err := s.deps.Store.GetLien(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "lien")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lien": record})
}

// getDocument streams the stored PDF.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Store.GetDocument(r.Context(), chi.URLParam(r, "document_id"))
	if err != nil {
		s.storeError(w, err, "document")
		return
	}
	data, err := s.deps.Blobs.GetObject(r.Context(), doc.BlobURI)
	if err != nil {
		if errors.Is(err, lien.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document content not found")
			return
		}
		s.logger.Error("read document blob failed", zap.String("uri", doc.BlobURI), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to read document content")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", `inline; filename="`+doc.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write document failed", zap.Error(err))
	}
}
