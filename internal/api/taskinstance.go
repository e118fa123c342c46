package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitTaskInstanceRequest is the JSON body for POST /v1/task-instances.
type submitTaskInstanceRequest struct {
	DagID         string         `json:"dag_id"`
	TaskID        string         `json:"task_id"`
	RunID         string         `json:"run_id"`
	MapIndex      *int           `json:"map_index"`
	Bundle        string         `json:"bundle"`
	BundleVersion string         `json:"bundle_version"`
	DagRelPath    string         `json:"dag_rel_path"`
	MaxTries      int            `json:"max_tries"`
	LogicalDate   *time.Time     `json:"logical_date"`
	Conf          map[string]any `json:"conf"`
}

// listTaskInstancesResponse is the JSON response for GET /v1/task-instances.
type listTaskInstancesResponse struct {
	TaskInstances []*model.TaskInstanceRecord `json:"task_instances"`
	Total         int                         `json:"total"`
	Limit         int                         `json:"limit"`
	Offset        int                         `json:"offset"`
}

func (s *Server) handleSubmitTaskInstance(w http.ResponseWriter, r *http.Request) {
	var req submitTaskInstanceRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch {
	case req.DagID == "":
		s.writeError(w, http.StatusBadRequest, "dag_id is required")
		return
	case req.TaskID == "":
		s.writeError(w, http.StatusBadRequest, "task_id is required")
		return
	case req.Bundle == "":
		s.writeError(w, http.StatusBadRequest, "bundle is required")
		return
	case req.DagRelPath == "":
		s.writeError(w, http.StatusBadRequest, "dag_rel_path is required")
		return
	case req.MaxTries < 0:
		s.writeError(w, http.StatusBadRequest, "max_tries must not be negative")
		return
	}

	b, err := s.bundles.Get(req.Bundle, req.BundleVersion)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	op, err := b.Task(req.DagRelPath, req.DagID, req.TaskID)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.MaxTries == 0 {
		req.MaxTries = op.Base().Retries
	}

	now := time.Now().UTC()
	if req.RunID == "" {
		req.RunID = model.NewRunID("manual", now)
		if err := s.store.CreateDagRun(r.Context(), newManualRun(req.DagID, req.RunID, req.LogicalDate, req.Conf, now)); err != nil {
			s.logger.Error("create dag run", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to create dag run")
			return
		}
	}

	mapIndex := model.Unmapped
	if req.MapIndex != nil {
		mapIndex = *req.MapIndex
	}

	ti := &model.TaskInstanceRecord{
		TaskInstance: model.TaskInstance{
			ID:        model.NewTaskInstanceID(),
			DagID:     req.DagID,
			TaskID:    req.TaskID,
			RunID:     req.RunID,
			MapIndex:  mapIndex,
			TryNumber: 1,
		},
		Bundle:     b.Info(),
		DagRelPath: req.DagRelPath,
		State:      model.StateQueued,
		MaxTries:   req.MaxTries,
		QueuedAt:   now,
	}

	if err := s.engine.Submit(r.Context(), ti); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "dag run not found")
			return
		}
		s.logger.Error("submit task instance", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task instance")
		return
	}

	submittedTaskInstances.WithLabelValues(ti.DagID).Inc()
	s.writeJSON(w, http.StatusAccepted, ti)
}

func (s *Server) handleListTaskInstances(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tis, total, err := s.store.ListTaskInstances(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list task instances", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list task instances")
		return
	}

	if tis == nil {
		tis = []*model.TaskInstanceRecord{}
	}

	s.writeJSON(w, http.StatusOK, listTaskInstancesResponse{
		TaskInstances: tis,
		Total:         total,
		Limit:         limit,
		Offset:        offset,
	})
}

func (s *Server) handleGetTaskInstance(w http.ResponseWriter, r *http.Request) {
	ti, ok := s.lookupTaskInstance(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, ti)
}

func (s *Server) handleGetRenderedFields(w http.ResponseWriter, r *http.Request) {
	ti, ok := s.lookupTaskInstance(w, r)
	if !ok {
		return
	}
	fields, err := s.store.GetRenderedFields(r.Context(), ti.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	if err != nil {
		s.logger.Error("get rendered fields", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get rendered fields")
		return
	}
	s.writeJSON(w, http.StatusOK, fields)
}

// lookupTaskInstance loads the task instance named by the {id} URL parameter,
// writing the error response itself when it cannot.
func (s *Server) lookupTaskInstance(w http.ResponseWriter, r *http.Request) (*model.TaskInstanceRecord, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "task instance not found")
		return nil, false
	}
	ti, err := s.store.GetTaskInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task instance not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get task instance", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task instance")
		return nil, false
	}
	return ti, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
