package api

import (
	"context"
	"encoding/json"
	"marblerun/pkg/broker"
	"marblerun/pkg/elevator"
	"marblerun/pkg/lease"
	"marblerun/pkg/logging"
	m "marblerun/pkg/metrics"
	"marblerun/pkg/persistence"
	"marblerun/pkg/scheduler"
	"marblerun/pkg/status"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes queues, leases and status over HTTP. Optional
// collaborators left nil disable their routes' behavior with 501.
type Server struct {
	Broker     broker.Broker
	Elevator   *elevator.Elevator
	Reaper     *lease.Reaper
	Schedules  *scheduler.Store
	Journal    *persistence.PostgresHooks
	Health     func(context.Context) error
	AdminToken string
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/queues/{queue}/items", func(r chi.Router) {
		r.Post("/", s.EnqueueHandler)
		r.Get("/", s.ListItemsHandler)
	})
	r.Post("/elevate/{queue}", s.ElevateHandler)
	r.Get("/status", s.StatusHandler)
	r.Get("/leases", s.LeasesHandler)
	r.Get("/leases/{id}/events", s.LeaseEventsHandler)

	r.Route("/schedules", func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Get("/", s.ListSchedulesHandler)
		r.Post("/", s.CreateScheduleHandler)
		r.Get("/{id}", s.GetScheduleHandler)
		r.Put("/{id}", s.UpdateScheduleHandler)
		r.Delete("/{id}", s.DeleteScheduleHandler)
	})
	return r
}

type itemRequest struct {
	Item     string `json:"item"`
	Expedite bool   `json:"expedite"`
}

// POST /queues/{queue}/items -> push an item; expedite puts it next in line
func (s *Server) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	var body itemRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logging.L().Error("enqueue decode error", zap.Error(err), zap.String("queue", queue))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	push := s.Broker.PushHead
	if body.Expedite {
		push = s.Broker.PushTail
	}
	if err := push(r.Context(), queue, body.Item); err != nil {
		logging.L().Error("enqueue failed", zap.Error(err), zap.String("queue", queue))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	logging.L().Info("enqueued item", zap.String("queue", queue), zap.Bool("expedite", body.Expedite))
	writeJSON(w, http.StatusCreated, map[string]any{"queue": queue, "item": body.Item, "expedite": body.Expedite})
}

// GET /queues/{queue}/items -> items in dequeue order, without removing them
func (s *Server) ListItemsHandler(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	items, err := s.Broker.Dump(r.Context(), queue, false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	m.QueueLength.WithLabelValues(queue).Set(float64(len(items)))
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "length": len(items), "items": items})
}

// POST /elevate/{queue} -> stage an item for the upstream broker
func (s *Server) ElevateHandler(w http.ResponseWriter, r *http.Request) {
	if s.Elevator == nil {
		http.Error(w, "elevator disabled", http.StatusNotImplemented)
		return
	}
	queue := chi.URLParam(r, "queue")
	var body itemRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Elevator.Lift(r.Context(), queue, body.Item); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type statusView struct {
	status.Record
	SyncSeconds   float64 `json:"sync_seconds"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// GET /status -> every live instance and what it is doing
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := status.List(r.Context(), s.Broker)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	now := time.Now()
	out := make([]statusView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, statusView{
			Record:        rec,
			SyncSeconds:   rec.Sync(now).Seconds(),
			UptimeSeconds: rec.Uptime().Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /leases -> leases watched by this process's reaper
func (s *Server) LeasesHandler(w http.ResponseWriter, r *http.Request) {
	if s.Reaper == nil {
		http.Error(w, "reaper not running here", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.Reaper.Active())
}

// GET /leases/{id}/events -> the journal for one lease
func (s *Server) LeaseEventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		http.Error(w, "lease journal disabled", http.StatusNotImplemented)
		return
	}
	events, err := s.Journal.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		http.Error(w, "lease not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	check := s.Health
	if check == nil {
		check = broker.Healthcheck(s.Broker)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
