package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"companion/internal/errs"
	"companion/internal/middleware"
)

type resolveRequest struct {
	Notes string `json:"resolution_notes"`
}

func alertID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation("http.alert_id", errors.New("alert id must be a positive integer"))
	}
	return id, nil
}

func actor(r *http.Request) string {
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		return p.ID
	}
	return ""
}

// AcknowledgeAlert handles POST /api/alerts/{id}/acknowledge.
func (a *API) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := alertID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	alert, err := a.alerts.Acknowledge(r.Context(), id, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "alert acknowledged", Data: alert})
}

// ResolveAlert handles POST /api/alerts/{id}/resolve.
func (a *API) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := alertID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req resolveRequest
	if err := readJSON(w, r, a.maxBodySize, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	alert, err := a.alerts.Resolve(r.Context(), id, actor(r), req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "alert resolved", Data: alert})
}
