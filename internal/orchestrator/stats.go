package orchestrator

import (
	"context"
	"sort"
	"time"

	"batchd/internal/domain"
)

// ListFilter narrows a ListJobs call. Zero values mean "no constraint";
// a zero Limit returns everything after Offset.
type ListFilter struct {
	Status domain.JobStatus
	Kind   domain.JobKind
	Limit  int
	Offset int
}

// ListJobs returns consistent snapshots ordered by creation time descending.
func (o *Orchestrator) ListJobs(ctx context.Context, filter ListFilter) ([]*domain.Job, error) {
	o.mu.RLock()
	states := make([]*jobState, 0, len(o.jobs))
	for _, js := range o.jobs {
		states = append(states, js)
	}
	o.mu.RUnlock()

	var jobs []*domain.Job
	for _, js := range states {
		js.mu.Lock()
		if js.deleted {
			js.mu.Unlock()
			continue
		}
		job := js.job.Clone()
		js.mu.Unlock()

		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return []*domain.Job{}, nil
		}
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// Statistics aggregates the known job population. It is computed on demand
// from job snapshots, never from separately maintained counters, so it cannot
// drift from the underlying records.
type Statistics struct {
	TotalJobs       int                      `json:"total_jobs"`
	ByStatus        map[domain.JobStatus]int `json:"by_status"`
	TotalOperations int                      `json:"total_operations"`
	SuccessRate     float64                  `json:"success_rate"`
	AverageDuration time.Duration            `json:"average_duration_ns"`
}

// GetStatistics computes aggregate counts, the success rate among terminal
// jobs, and the mean wall-clock duration of terminal jobs.
func (o *Orchestrator) GetStatistics(ctx context.Context) (*Statistics, error) {
	jobs, err := o.ListJobs(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalJobs: len(jobs),
		ByStatus:  make(map[domain.JobStatus]int),
	}
	var (
		terminal      int
		completed     int
		totalDuration time.Duration
		durations     int
	)
	for _, job := range jobs {
		stats.ByStatus[job.Status]++
		stats.TotalOperations += len(job.Operations)
		if job.Status.Terminal() {
			terminal++
			if job.Status == domain.JobStatusCompleted {
				completed++
			}
			if d := job.Duration(); d > 0 {
				totalDuration += d
				durations++
			}
		}
	}
	if terminal > 0 {
		stats.SuccessRate = float64(completed) / float64(terminal)
	}
	if durations > 0 {
		stats.AverageDuration = totalDuration / time.Duration(durations)
	}
	return stats, nil
}
