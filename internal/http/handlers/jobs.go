package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"batchd/internal/domain"
	"batchd/internal/jobspec"
	"batchd/internal/orchestrator"
)

type createJobRequest struct {
	jobspec.Spec
	Start bool `json:"start"`
}

// JobsCreate accepts a job spec, persists the job and optionally starts it in
// the same request.
func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := req.Validate(); err != nil {
		a.domainError(w, err)
		return
	}
	descs, err := req.Descriptors()
	if err != nil {
		a.domainError(w, err)
		return
	}

	job, err := a.Engine.CreateJob(r.Context(), req.Name, req.DomainKind(), descs, req.DomainPolicy())
	if err != nil {
		a.domainError(w, err)
		return
	}
	if req.Start {
		if err := a.Engine.StartJob(r.Context(), job.ID); err != nil {
			a.domainError(w, err)
			return
		}
		job, err = a.Engine.GetJob(r.Context(), job.ID)
		if err != nil {
			a.domainError(w, err)
			return
		}
	}
	a.json(w, http.StatusCreated, job)
}

func (a *App) JobStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Engine.StartJob(r.Context(), id); err != nil {
		a.domainError(w, err)
		return
	}
	a.jobSnapshot(w, r, id, http.StatusAccepted)
}

func (a *App) JobCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Engine.CancelJob(r.Context(), id); err != nil {
		a.domainError(w, err)
		return
	}
	a.jobSnapshot(w, r, id, http.StatusAccepted)
}

func (a *App) JobRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Engine.RetryFailed(r.Context(), id); err != nil {
		a.domainError(w, err)
		return
	}
	a.jobSnapshot(w, r, id, http.StatusAccepted)
}

func (a *App) JobDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Engine.DeleteJob(r.Context(), id); err != nil {
		a.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) JobGet(w http.ResponseWriter, r *http.Request) {
	a.jobSnapshot(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

// JobExport streams the full job snapshot as a download.
func (a *App) JobExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := a.Engine.ExportJob(r.Context(), id)
	if err != nil {
		a.domainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "job-"+id+".json"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// JobsList supports status, kind, limit and offset query parameters; results
// are newest first.
func (a *App) JobsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := orchestrator.ListFilter{
		Status: domain.JobStatus(q.Get("status")),
		Kind:   domain.JobKind(q.Get("kind")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.error(w, http.StatusBadRequest, "bad_request", "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	jobs, err := a.Engine.ListJobs(r.Context(), filter)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (a *App) jobSnapshot(w http.ResponseWriter, r *http.Request, id string, code int) {
	job, err := a.Engine.GetJob(r.Context(), id)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, code, job)
}
