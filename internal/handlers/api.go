// Package handlers exposes the ingest pipeline, the alert lifecycle, the
// generator controls and the push channel over HTTP.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"companion/internal/generator"
	"companion/internal/hub"
	"companion/internal/ingest"
	"companion/internal/middleware"
	"companion/internal/models"
)

// Ingestor runs readings through the pipeline. *ingest.Service satisfies it.
type Ingestor interface {
	IngestBiometric(ctx context.Context, r *models.BiometricReading) (ingest.BiometricResult, error)
	IngestLocation(ctx context.Context, r *models.LocationReading) (ingest.LocationResult, error)
}

// AlertTransitions moves alerts through their lifecycle. *alerts.Manager satisfies it.
type AlertTransitions interface {
	Acknowledge(ctx context.Context, id int64, actor string) (*models.Alert, error)
	Resolve(ctx context.Context, id int64, actor, notes string) (*models.Alert, error)
}

// Simulator controls the synthetic load generator. *generator.Controller satisfies it.
type Simulator interface {
	Start(ctx context.Context, interval time.Duration) error
	Stop()
	Status() generator.Status
	GenerateOnce(ctx context.Context) (generator.TickResult, error)
}

// Deps are the collaborators served by the API.
type Deps struct {
	Ingest    Ingestor
	Alerts    AlertTransitions
	Simulator Simulator
	Hub       *hub.Hub

	// Health reports whether the backing services are reachable.
	Health func(ctx context.Context) error
	// Stats returns the body of GET /stats.
	Stats func() any

	DefaultInterval time.Duration
	MaxBodySize     int64
	WSWriteTimeout  time.Duration
}

// API holds the handler state.
type API struct {
	ingest          Ingestor
	alerts          AlertTransitions
	sim             Simulator
	hub             *hub.Hub
	health          func(ctx context.Context) error
	stats           func() any
	defaultInterval time.Duration
	maxBodySize     int64
	wsWriteTimeout  time.Duration
	started         time.Time
}

// New creates the API.
func New(d Deps) *API {
	if d.DefaultInterval <= 0 {
		d.DefaultInterval = 5 * time.Second
	}
	if d.MaxBodySize <= 0 {
		d.MaxBodySize = 1 << 20
	}
	if d.Health == nil {
		d.Health = func(context.Context) error { return nil }
	}
	if d.Stats == nil {
		d.Stats = func() any { return map[string]any{} }
	}
	return &API{
		ingest:          d.Ingest,
		alerts:          d.Alerts,
		sim:             d.Simulator,
		hub:             d.Hub,
		health:          d.Health,
		stats:           d.Stats,
		defaultInterval: d.DefaultInterval,
		maxBodySize:     d.MaxBodySize,
		wsWriteTimeout:  d.WSWriteTimeout,
		started:         time.Now(),
	}
}

// Router builds the route table.
//
// Reading endpoints and the push channel accept anonymous callers (devices and
// dashboards); alert transitions need a principal; generator controls need an admin.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Logging)

	r.HandleFunc("/health", a.Health).Methods(http.MethodGet)
	r.HandleFunc("/stats", a.Stats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/ws", middleware.Auth(http.HandlerFunc(a.ServeWS))).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth)
	api.HandleFunc("/biometric-data", a.IngestBiometric).Methods(http.MethodPost)
	api.HandleFunc("/locations", a.IngestLocation).Methods(http.MethodPost)

	alerts := api.PathPrefix("/alerts").Subrouter()
	alerts.Use(middleware.RequireAuth)
	alerts.HandleFunc("/{id}/acknowledge", a.AcknowledgeAlert).Methods(http.MethodPost)
	alerts.HandleFunc("/{id}/resolve", a.ResolveAlert).Methods(http.MethodPost)

	sim := api.PathPrefix("/simulator").Subrouter()
	sim.Use(middleware.RequireRole(middleware.RoleAdmin))
	sim.HandleFunc("/start", a.StartSimulator).Methods(http.MethodPost)
	sim.HandleFunc("/stop", a.StopSimulator).Methods(http.MethodPost)
	sim.HandleFunc("/status", a.SimulatorStatus).Methods(http.MethodGet)
	sim.HandleFunc("/generate-once", a.GenerateOnce).Methods(http.MethodPost)

	return middleware.Chain(r, middleware.Recovery)
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(a.started).Seconds(),
	}
	if err := a.health(ctx); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	writeJSON(w, http.StatusOK, body)
}

// Stats handles GET /stats.
func (a *API) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.stats())
}
