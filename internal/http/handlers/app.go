package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"batchd/internal/domain"
	"batchd/internal/infra"
	"batchd/internal/orchestrator"
)

// App bundles the orchestrator behind the HTTP surface.
type App struct {
	Engine *orchestrator.Orchestrator
	Logger infra.Logger
}

func NewApp(engine *orchestrator.Orchestrator, logger infra.Logger) *App {
	return &App{Engine: engine, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]string{"error": kind, "message": message})
}

// domainError maps engine errors onto HTTP status codes. Executor failures
// never reach here: they are job outcomes, not API errors.
func (a *App) domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidSpec):
		a.error(w, http.StatusBadRequest, "invalid_spec", err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		a.error(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, domain.ErrPersistence):
		a.error(w, http.StatusServiceUnavailable, "persistence_unavailable", "job storage is unavailable")
	default:
		a.Logger.Error().Err(err).Msg("unhandled engine error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
