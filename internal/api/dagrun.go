package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/store"
)

// createDagRunRequest is the JSON body for POST /v1/dag-runs.
type createDagRunRequest struct {
	DagID       string         `json:"dag_id"`
	RunID       string         `json:"run_id"`
	LogicalDate *time.Time     `json:"logical_date"`
	Conf        map[string]any `json:"conf"`
}

func newManualRun(dagID, runID string, logicalDate *time.Time, conf map[string]any, now time.Time) *model.DagRun {
	if logicalDate == nil {
		logicalDate = &now
	}
	return &model.DagRun{
		DagID:             dagID,
		RunID:             runID,
		LogicalDate:       logicalDate,
		DataIntervalStart: logicalDate,
		DataIntervalEnd:   logicalDate,
		RunAfter:          *logicalDate,
		StartDate:         now,
		RunType:           "manual",
		State:             model.DagRunRunning,
		Conf:              conf,
	}
}

func (s *Server) handleCreateDagRun(w http.ResponseWriter, r *http.Request) {
	var req createDagRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DagID == "" {
		s.writeError(w, http.StatusBadRequest, "dag_id is required")
		return
	}

	now := time.Now().UTC()
	if req.RunID == "" {
		req.RunID = model.NewRunID("manual", now)
	}
	run := newManualRun(req.DagID, req.RunID, req.LogicalDate, req.Conf, now)

	err := s.store.CreateDagRun(r.Context(), run)
	if errors.Is(err, store.ErrAlreadyExists) {
		s.writeError(w, http.StatusConflict, "dag run already exists")
		return
	}
	if err != nil {
		s.logger.Error("create dag run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create dag run")
		return
	}

	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetDagRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetDagRun(r.Context(), chi.URLParam(r, "dag_id"), chi.URLParam(r, "run_id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "dag run not found")
		return
	}
	if err != nil {
		s.logger.Error("get dag run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get dag run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}
