package handlers

import (
	"errors"
	"net/http"
	"time"

	"companion/internal/errs"
)

type startRequest struct {
	// Interval is in milliseconds.
	Interval *int64 `json:"interval"`
}

// StartSimulator handles POST /api/simulator/start. Starting a running
// generator succeeds without creating a second timer.
func (a *API) StartSimulator(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := readJSON(w, r, a.maxBodySize, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	interval := a.defaultInterval
	if req.Interval != nil {
		if *req.Interval <= 0 {
			writeError(w, r, errs.Validation("http.simulator_start", errors.New("interval must be a positive number of milliseconds")))
			return
		}
		interval = time.Duration(*req.Interval) * time.Millisecond
	}

	if err := a.sim.Start(r.Context(), interval); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "simulator started",
		"interval": a.sim.Status().IntervalMs,
	})
}

// StopSimulator handles POST /api/simulator/stop.
func (a *API) StopSimulator(w http.ResponseWriter, _ *http.Request) {
	a.sim.Stop()
	writeMessage(w, http.StatusOK, "simulator stopped")
}

// SimulatorStatus handles GET /api/simulator/status.
func (a *API) SimulatorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: a.sim.Status()})
}

// GenerateOnce handles POST /api/simulator/generate-once.
func (a *API) GenerateOnce(w http.ResponseWriter, r *http.Request) {
	res, err := a.sim.GenerateOnce(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "data generated", Data: res})
}
