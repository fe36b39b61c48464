package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"batchd/internal/http/handlers"
	"batchd/internal/infra"
	"batchd/internal/middleware"
)

// NewRouter wires the command surface over the orchestrator.
func NewRouter(app *handlers.App, logger infra.Logger) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer, middleware.Logger(logger))

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/stats", app.Stats)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.JobsCreate)
		r.Get("/", app.JobsList)
		r.Get("/{id}", app.JobGet)
		r.Delete("/{id}", app.JobDelete)
		r.Get("/{id}/export", app.JobExport)
		r.Post("/{id}/start", app.JobStart)
		r.Post("/{id}/cancel", app.JobCancel)
		r.Post("/{id}/retry", app.JobRetry)
	})

	return r
}
