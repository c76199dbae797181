// Package api is the HTTP surface: intention and mission intake, mission
// inspection, manual sweeps, breaker and gateway status, and /metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/nidhogg/nuka-building/internal/bus"
	"github.com/nidhogg/nuka-building/internal/coordinator"
	"github.com/nidhogg/nuka-building/internal/executor"
	"github.com/nidhogg/nuka-building/internal/gateway"
	"github.com/nidhogg/nuka-building/internal/mission"
	"github.com/nidhogg/nuka-building/internal/planner"
	"github.com/nidhogg/nuka-building/internal/sweep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MissionReader loads the coordinator's record of a mission.
type MissionReader interface {
	Mission(ctx context.Context, id string) (*mission.State, error)
}

// Deps are the components the API exposes. Any of them may be nil in a
// process that does not run that role; the matching routes answer 503.
type Deps struct {
	Bus         bus.Publisher
	Missions    MissionReader
	Planner     *planner.Planner
	Sweeper     *sweep.Sweeper
	Breakers    *executor.Breakers
	Gateway     *gateway.Gateway
	Broadcaster *gateway.Broadcaster
	Gatherer    prometheus.Gatherer
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	now    func() time.Time
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		deps:   deps,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Intake
		r.Post("/intentions", h.submitIntention)
		r.Post("/missions", h.submitMission)
		r.Get("/missions/{id}", h.getMission)
		r.Get("/playbooks", h.listPlaybooks)

		// Repair
		r.Post("/sweep", h.triggerSweep)
		r.Get("/sweep", h.lastSweep)

		// Executors
		r.Get("/breakers", h.listBreakers)

		// Gateway routes
		r.Get("/gateway/status", h.gatewayStatus)
		r.Get("/alerts", h.listAlerts)
		r.Post("/alerts", h.sendAlert)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nuka"})
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " not running in this process"})
}

type intentionAccepted struct {
	IntentionID string `json:"intention_id"`
	MissionID   string `json:"mission_id"`
}

// submitIntention queues an intention for the planner. The reply carries the
// mission id the planner will derive, so callers can poll it right away.
func (h *Handler) submitIntention(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		unavailable(w, "bus")
		return
	}
	var in mission.Intention
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if in.Payload.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload.action is required"})
		return
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = h.now()
	}
	if err := h.deps.Bus.Publish(r.Context(), bus.TopicIntention, &in); err != nil {
		h.logger.Error("publish intention failed", zap.String("intention", in.ID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, intentionAccepted{IntentionID: in.ID, MissionID: planner.MissionID(in.ID)})
}

// submitMission queues an explicit mission, bypassing the planner.
func (h *Handler) submitMission(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		unavailable(w, "bus")
		return
	}
	var m mission.Mission
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = h.now()
	}
	if err := mission.Validate(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.deps.Bus.Publish(r.Context(), bus.TopicMission, &m); err != nil {
		h.logger.Error("publish mission failed", zap.String("mission", m.ID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"mission_id": m.ID})
}

func (h *Handler) getMission(w http.ResponseWriter, r *http.Request) {
	if h.deps.Missions == nil {
		unavailable(w, "coordinator")
		return
	}
	st, err := h.deps.Missions.Mission(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, coordinator.ErrMissionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "mission not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	if h.deps.Planner == nil {
		unavailable(w, "planner")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Planner.Playbooks())
}

func (h *Handler) triggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sweeper == nil {
		unavailable(w, "sweeper")
		return
	}
	pass, err := h.deps.Sweeper.FireNow(r.Context())
	switch {
	case errors.Is(err, sweep.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, pass)
	default:
		writeJSON(w, http.StatusOK, pass)
	}
}

func (h *Handler) lastSweep(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sweeper == nil {
		unavailable(w, "sweeper")
		return
	}
	last := h.deps.Sweeper.Last()
	if last == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sweep has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (h *Handler) listBreakers(w http.ResponseWriter, r *http.Request) {
	if h.deps.Breakers == nil {
		unavailable(w, "executor")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Breakers.Snapshot())
}

func (h *Handler) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Gateway == nil {
		unavailable(w, "gateway")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Gateway.Statuses())
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Broadcaster == nil {
		unavailable(w, "gateway")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Broadcaster.History(50))
}

func (h *Handler) sendAlert(w http.ResponseWriter, r *http.Request) {
	if h.deps.Broadcaster == nil {
		unavailable(w, "gateway")
		return
	}
	var alert gateway.Alert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if alert.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}
	if err := h.deps.Broadcaster.Send(r.Context(), &alert); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alert sent"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
