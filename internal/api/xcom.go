package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/xcom"
)

// xcomResponse is the JSON response for GET /v1/xcoms/...
type xcomResponse struct {
	Key   xcom.Key `json:"key"`
	Value any      `json:"value"`
}

// putVariableRequest is the JSON body for PUT /v1/variables/{key}.
type putVariableRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleGetXCom(w http.ResponseWriter, r *http.Request) {
	key := xcom.Key{
		DagID:    chi.URLParam(r, "dag_id"),
		RunID:    chi.URLParam(r, "run_id"),
		TaskID:   chi.URLParam(r, "task_id"),
		Name:     chi.URLParam(r, "key"),
		MapIndex: parseIntQuery(r, "map_index", model.Unmapped),
	}
	v, err := s.store.GetXCom(r.Context(), key)
	if errors.Is(err, xcom.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "xcom not found")
		return
	}
	if err != nil {
		s.logger.Error("get xcom", "key", key.String(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get xcom")
		return
	}
	s.writeJSON(w, http.StatusOK, xcomResponse{Key: key, Value: v})
}

func (s *Server) handlePutVariable(w http.ResponseWriter, r *http.Request) {
	var req putVariableRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.store.SetVariable(r.Context(), key, req.Value); err != nil {
		s.logger.Error("set variable", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to set variable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutConnection(w http.ResponseWriter, r *http.Request) {
	var conn model.Connection
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&conn); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	conn.ConnID = chi.URLParam(r, "conn_id")
	if conn.ConnType == "" {
		s.writeError(w, http.StatusBadRequest, "conn_type is required")
		return
	}
	if err := s.store.SetConnection(r.Context(), conn); err != nil {
		s.logger.Error("set connection", "conn_id", conn.ConnID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to set connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
