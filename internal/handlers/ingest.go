package handlers

import (
	"net/http"

	"companion/internal/models"
)

// IngestResponse answers the reading endpoints.
type IngestResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	DataID  int64          `json:"data_id"`
	Alerts  []models.Alert `json:"alerts"`
}

// IngestBiometric handles POST /api/biometric-data.
func (a *API) IngestBiometric(w http.ResponseWriter, r *http.Request) {
	var reading models.BiometricReading
	if err := readJSON(w, r, a.maxBodySize, &reading, false); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := a.ingest.IngestBiometric(r.Context(), &reading)
	if err != nil {
		writeError(w, r, err)
		return
	}

	alerts := res.Alerts
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, IngestResponse{
		Success: true,
		Message: "reading received",
		DataID:  reading.ID,
		Alerts:  alerts,
	})
}

// IngestLocation handles POST /api/locations.
func (a *API) IngestLocation(w http.ResponseWriter, r *http.Request) {
	var reading models.LocationReading
	if err := readJSON(w, r, a.maxBodySize, &reading, false); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := a.ingest.IngestLocation(r.Context(), &reading)
	if err != nil {
		writeError(w, r, err)
		return
	}

	alerts := res.Alerts
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, IngestResponse{
		Success: true,
		Message: "location received",
		DataID:  reading.ID,
		Alerts:  alerts,
	})
}
