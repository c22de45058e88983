package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/orchestrator"
	"github.com/JakeFAU/lien-crawler/internal/reconcile"
	"github.com/JakeFAU/lien-crawler/internal/repair"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

type startRunRequest struct {
	Trigger string `json:"trigger"`
	From    string `json:"from"`
	To      string `json:"to"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trigger := lien.TriggerManual
	if req.Trigger != "" {
		trigger = lien.TriggerType(strings.ToLower(req.Trigger))
	}
	if !trigger.Valid() {
		writeError(w, http.StatusBadRequest, "trigger must be manual or scheduled")
		return
	}
	dates, err := lien.ParseDateRange(req.From, req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := s.deps.Orchestrator.Start(r.Context(), trigger, dates)
	switch {
	case errors.Is(err, lien.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("start run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) stopRun(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Orchestrator.Stop(); err != nil {
		if errors.Is(err, lien.ErrNotRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.storeError(w, err, "runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.storeError(w, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

type statusResponse struct {
	Orchestrator orchestrator.Status `json:"orchestrator"`
	Activity     reconcile.Activity  `json:"activity"`
}

// status reports the orchestrator's own view and the reconciler's view side by side so a
// dashboard can spot disagreement.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	self, err := s.deps.Orchestrator.Status(r.Context())
	if err != nil {
		s.storeError(w, err, "status")
		return
	}
	activity, err := s.deps.Reconciler.Check(r.Context())
	if err != nil {
		s.storeError(w, err, "activity")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Orchestrator: self, Activity: activity})
}

func (s *Server) repairDocuments(w http.ResponseWriter, r *http.Request) {
	var req repair.Request
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be >= 0")
		return
	}
	report, err := s.deps.Repairer.Run(r.Context(), req)
	if err != nil {
		s.logger.Error("repair pass failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}
