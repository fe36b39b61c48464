package domain

import (
	"encoding/json"
	"math"
	"time"
)

// JobKind enumerates supported batch job categories.
type JobKind string

const (
	JobKindBulkPipeline JobKind = "bulk_pipeline_execution"
	JobKindDataGen      JobKind = "batch_data_generation"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending        JobStatus = "pending"
	JobStatusRunning        JobStatus = "running"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusPartialSuccess JobStatus = "partial_success"
	JobStatusCancelled      JobStatus = "cancelled"
)

// Terminal reports whether no further automatic transitions occur.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartialSuccess, JobStatusCancelled:
		return true
	}
	return false
}

// OperationStatus enumerates per-operation lifecycle states.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationSkipped   OperationStatus = "skipped"
)

// Terminal reports whether the operation will not transition again without an
// explicit retry.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationSkipped:
		return true
	}
	return false
}

// Policy governs how a job's operations are dispatched.
type Policy struct {
	Parallel    bool `json:"parallel"`
	MaxParallel int  `json:"max_parallel"`
	StopOnError bool `json:"stop_on_error"`
}

// Workers returns the effective concurrency cap for the policy.
func (p Policy) Workers() int {
	if !p.Parallel || p.MaxParallel < 1 {
		return 1
	}
	return p.MaxParallel
}

// Progress aggregates operation outcomes for a job. It is derived state,
// always recomputable from the operation list.
type Progress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// Operation is one independent unit of work within a job. The descriptor and
// result payloads are opaque to the engine; only the injected executor
// interprets them.
type Operation struct {
	ID          string          `json:"id"`
	Descriptor  json.RawMessage `json:"descriptor"`
	Status      OperationStatus `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Job is a named collection of operations executed under one policy.
type Job struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Kind        JobKind     `json:"kind"`
	Policy      Policy      `json:"policy"`
	Status      JobStatus   `json:"status"`
	Operations  []Operation `json:"operations"`
	Progress    Progress    `json:"progress"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`

	// CancelRequested is set once CancelJob is accepted; it forces the
	// terminal status to cancelled regardless of the counted outcome.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Dirty marks a job whose latest snapshot could not be durably written.
	// Execution continues in memory; the stored copy is stale until a later
	// save succeeds.
	Dirty bool `json:"dirty,omitempty"`
}

// StatusCounts holds the multiset of operation statuses for a job.
type StatusCounts struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
}

// CountStatuses tallies operation statuses.
func CountStatuses(ops []Operation) StatusCounts {
	var c StatusCounts
	for i := range ops {
		switch ops[i].Status {
		case OperationPending:
			c.Pending++
		case OperationRunning:
			c.Running++
		case OperationCompleted:
			c.Completed++
		case OperationFailed:
			c.Failed++
		case OperationSkipped:
			c.Skipped++
		}
	}
	return c
}

// DeriveStatus computes the job status from the operation statuses. The rule
// is idempotent: reapplying it to an unchanged operation list yields the same
// status. Cancellation takes precedence over the counted outcome.
func DeriveStatus(ops []Operation, cancelRequested bool) JobStatus {
	c := CountStatuses(ops)
	if c.Running+c.Pending > 0 {
		return JobStatusRunning
	}
	if cancelRequested {
		return JobStatusCancelled
	}
	switch {
	case c.Failed == 0 && c.Skipped == 0:
		return JobStatusCompleted
	case c.Completed == 0 && c.Skipped == 0:
		return JobStatusFailed
	default:
		return JobStatusPartialSuccess
	}
}

// ComputeProgress derives aggregate progress from the operation list. Total is
// fixed at job creation, so percent reflects how much of the job has reached a
// terminal operation state.
func ComputeProgress(ops []Operation) Progress {
	c := CountStatuses(ops)
	p := Progress{
		Completed: c.Completed,
		Failed:    c.Failed,
		Skipped:   c.Skipped,
		Total:     len(ops),
	}
	if p.Total > 0 {
		done := float64(c.Completed + c.Failed + c.Skipped)
		p.Percent = int(math.Round(100 * done / float64(p.Total)))
	}
	return p
}

// Refresh recomputes the job's derived status and progress fields.
func (j *Job) Refresh() {
	j.Status = DeriveStatus(j.Operations, j.CancelRequested)
	j.Progress = ComputeProgress(j.Operations)
}

// Duration returns the wall-clock time the job spent executing, or zero when
// it has not both started and finished.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Clone returns a deep copy of the job. Callers outside the orchestrator only
// ever see clones, never the live record the scheduler mutates.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Operations = make([]Operation, len(j.Operations))
	for i := range j.Operations {
		op := j.Operations[i]
		op.Descriptor = append(json.RawMessage(nil), j.Operations[i].Descriptor...)
		if j.Operations[i].Result != nil {
			op.Result = append(json.RawMessage(nil), j.Operations[i].Result...)
		}
		if j.Operations[i].StartedAt != nil {
			t := *j.Operations[i].StartedAt
			op.StartedAt = &t
		}
		if j.Operations[i].CompletedAt != nil {
			t := *j.Operations[i].CompletedAt
			op.CompletedAt = &t
		}
		cp.Operations[i] = op
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Operation looks up an operation by id.
func (j *Job) Operation(id string) *Operation {
	for i := range j.Operations {
		if j.Operations[i].ID == id {
			return &j.Operations[i]
		}
	}
	return nil
}
