package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"companion/internal/errs"
	"companion/internal/logger"
)

// Response is the envelope of every API answer.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Debug().Err(err).Msg("failed to write response")
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: status < 400, Message: message})
}

// writeError answers with the status of err's kind. Store failures are not
// described to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	msg := err.Error()
	var e *errs.Error
	switch {
	case status >= 500:
		msg = "service temporarily unavailable"
		logger.Logger.Error().Err(err).
			Str("request_id", r.Header.Get("X-Request-ID")).
			Str("path", r.URL.Path).
			Msg("request failed")
	case errors.As(err, &e) && e.Err != nil && e.Msg == "":
		msg = e.Err.Error()
	case errors.As(err, &e) && e.Msg != "":
		msg = e.Msg
	}
	writeMessage(w, status, msg)
}

// readJSON decodes a JSON body of at most limit bytes into v. An empty body
// leaves v untouched when allowEmpty is set.
func readJSON(w http.ResponseWriter, r *http.Request, limit int64, v any, allowEmpty bool) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errs.Validation("http.decode", errors.New("content-type must be application/json"))
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errs.Validation("http.decode", errors.New("request body too large"))
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if allowEmpty {
			return nil
		}
		return errs.Validation("http.decode", errors.New("request body is empty"))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.Validation("http.decode", fmt.Errorf("invalid JSON: %w", err))
	}
	return nil
}
