package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 4 << 20

type ctxKey struct{}

type createReq struct {
	Kind      string          `json:"kind"`
	ProjectID string          `json:"project_id"`
	Params    json.RawMessage `json:"params"`
}

// taskView is the poll response for one task.
type taskView struct {
	TaskID         string            `json:"task_id"`
	Kind           domain.Kind       `json:"kind"`
	ProjectID      string            `json:"project_id,omitempty"`
	Status         domain.TaskStatus `json:"status"`
	Progress       int               `json:"progress"`
	CurrentStep    string            `json:"current_step,omitempty"`
	ProcessedItems int64             `json:"processed_items"`
	TotalItems     int64             `json:"total_items"`
	ResultData     json.RawMessage   `json:"result_data,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

func viewOf(t domain.Task, now time.Time) taskView {
	return taskView{
		TaskID:         t.ID,
		Kind:           t.Kind,
		ProjectID:      t.ProjectID,
		Status:         t.Status,
		Progress:       t.Progress,
		CurrentStep:    t.CurrentStep,
		ProcessedItems: t.ProcessedItems,
		TotalItems:     t.TotalItems,
		ResultData:     t.Result,
		ErrorMessage:   t.Error,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		Timestamp:      now,
	}
}

func viewsOf(tasks []domain.Task) []taskView {
	now := time.Now().UTC()
	out := make([]taskView, len(tasks))
	for i, t := range tasks {
		out[i] = viewOf(t, now)
	}
	return out
}

// userID reads the caller identity. Browsers cannot set headers on a
// WebSocket handshake, so the query parameter is accepted as well.
func userID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-User-ID")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if uid == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing user id")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, uid)))
	})
}

func currentUser(r *http.Request) string {
	uid, _ := r.Context().Value(ctxKey{}).(string)
	return uid
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "request body is not valid JSON")
		return
	}

	id, err := s.svc.Create(r.Context(), usecase.CreateInput{
		UserID:    currentUser(r),
		ProjectID: req.ProjectID,
		Kind:      req.Kind,
		Params:    req.Params,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": string(domain.StatusPending)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Get(r.Context(), currentUser(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*t, time.Now().UTC()))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Cancel(r.Context(), currentUser(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.List(r.Context(), currentUser(r), queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(tasks))
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.History(r.Context(), currentUser(r), r.URL.Query().Get("project_id"), queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(tasks))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, usecase.ErrArchiveDisabled):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 500)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": code, "message": msg}})
}
