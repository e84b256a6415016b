package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jagc-sh/jagc/internal/runs"
	"github.com/jagc-sh/jagc/internal/store"
	"github.com/jagc-sh/jagc/internal/tasks"
)

// errorBody is the uniform error envelope: {"error":{"code","message"}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// respondError maps domain errors onto the envelope.
func respondError(w http.ResponseWriter, err error) {
	var terminal *store.TerminalStateError
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run_not_found", err.Error())
	case errors.Is(err, store.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, store.CodeTaskNotFound, "scheduled task not found")
	case errors.Is(err, store.ErrTaskRunNotFound):
		writeError(w, http.StatusNotFound, "task_run_not_found", err.Error())
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, store.ErrIdempotencyPayloadMismatch):
		writeError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, store.ErrImageBufferLimitExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, store.CodeImageBufferLimitExceeded, err.Error())
	case errors.Is(err, runs.ErrSessionControlsUnavailable):
		writeError(w, http.StatusConflict, "session_controls_unavailable", err.Error())
	case errors.Is(err, tasks.ErrInvalidSchedule),
		errors.Is(err, tasks.ErrInvalidCron),
		errors.Is(err, tasks.ErrInvalidRRule),
		errors.Is(err, tasks.ErrInvalidTimezone):
		writeError(w, http.StatusBadRequest, "invalid_task_payload", err.Error())
	case errors.As(err, &terminal):
		writeError(w, http.StatusConflict, "run_already_terminal", terminal.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
