package api

import (
	"encoding/json"
	"errors"
	"marblerun/pkg/logging"
	"marblerun/pkg/scheduler"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// adminOnly requires "Authorization: Bearer <AdminToken>". An empty token
// disables the routes it guards.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" {
			http.Error(w, "admin disabled", http.StatusForbidden)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.AdminToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if s.Schedules == nil {
			http.Error(w, "scheduling disabled", http.StatusNotImplemented)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type scheduleRequest struct {
	Queue    string `json:"queue"`
	Item     string `json:"item"`
	Cron     string `json:"cron"`
	Expedite *bool  `json:"expedite"`
	Enabled  *bool  `json:"enabled"`
}

// GET /schedules
func (s *Server) ListSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.Schedules.List(r.Context(), 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /schedules
func (s *Server) CreateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var body scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sc := &scheduler.Schedule{Queue: body.Queue, Item: body.Item, Cron: body.Cron, Enabled: true}
	if body.Expedite != nil {
		sc.Expedite = *body.Expedite
	}
	if body.Enabled != nil {
		sc.Enabled = *body.Enabled
	}
	if err := s.Schedules.Create(r.Context(), sc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logging.L().Info("schedule created", zap.String("schedule_id", sc.ID), zap.String("queue", sc.Queue), zap.String("cron", sc.Cron))
	writeJSON(w, http.StatusCreated, sc)
}

// GET /schedules/{id}
func (s *Server) GetScheduleHandler(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// PUT /schedules/{id} -> partial update; omitted fields keep their value
func (s *Server) UpdateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Queue != "" {
		sc.Queue = body.Queue
	}
	if body.Item != "" {
		sc.Item = body.Item
	}
	if body.Cron != "" {
		sc.Cron = body.Cron
	}
	if body.Expedite != nil {
		sc.Expedite = *body.Expedite
	}
	if body.Enabled != nil {
		sc.Enabled = *body.Enabled
	}
	if err := s.Schedules.Update(r.Context(), sc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// DELETE /schedules/{id}
func (s *Server) DeleteScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookup(w, r); !ok {
		return
	}
	if err := s.Schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*scheduler.Schedule, bool) {
	sc, err := s.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return sc, true
}
