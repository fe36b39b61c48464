package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"batchd/internal/domain"
	"batchd/internal/executor"
)

// Orchestrator owns all job state and coordinates the store, the scheduler
// and the injected executor. All mutation of a given job flows through that
// job's jobState mutex; jobs are otherwise independent of each other.
type Orchestrator struct {
	store  domain.JobStore
	exec   executor.Executor
	log    zerolog.Logger
	notify func(*domain.Job)

	syncPersist    bool
	persistRetries int
	persistBackoff time.Duration

	mu       sync.RWMutex
	jobs     map[string]*jobState
	draining bool

	wg sync.WaitGroup
}

// jobState pairs the live job record with the controls of its active
// scheduling pass. Its mutex is the single serialization point for the job.
//
// seq numbers every snapshot taken under mu; persistMu serializes the actual
// store writes and savedSeq records the newest snapshot durably written, so
// a delayed asynchronous checkpoint can never overwrite a later one.
type jobState struct {
	mu      sync.Mutex
	job     *domain.Job
	cancel  context.CancelFunc
	stopped bool
	deleted bool
	seq     uint64

	persistMu sync.Mutex
	savedSeq  uint64
}

// Option customizes orchestrator construction.
type Option func(*Orchestrator)

// WithSyncPersist forces every snapshot write to complete before the
// triggering transition returns (durability before acknowledge). The default
// persists per-operation checkpoints asynchronously and only terminal
// transitions synchronously.
func WithSyncPersist() Option {
	return func(o *Orchestrator) { o.syncPersist = true }
}

// WithNotify installs a callback invoked with a job snapshot after each
// status-affecting transition. Calls are made on their own goroutine and
// carry no ordering guarantee; the hook exists for log/event fan-out, not as
// a source of truth.
func WithNotify(fn func(*domain.Job)) Option {
	return func(o *Orchestrator) { o.notify = fn }
}

// WithPersistRetry tunes the bounded retry applied to failed snapshot writes.
func WithPersistRetry(attempts int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.persistRetries = attempts
		}
		if backoff > 0 {
			o.persistBackoff = backoff
		}
	}
}

// New loads all persisted jobs from the store and returns a ready
// orchestrator. Jobs found mid-execution are finalized as interrupted: no
// operation is assumed completed unless its terminal status was durably
// recorded, and the explicit remedy is an operator-issued retry.
func New(store domain.JobStore, exec executor.Executor, log zerolog.Logger, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		store:          store,
		exec:           exec,
		log:            log,
		jobs:           make(map[string]*jobState),
		persistRetries: 3,
		persistBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}

	jobs, err := store.LoadAll(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load persisted jobs: %w", err)
	}
	for _, job := range jobs {
		o.recoverJob(job)
		o.jobs[job.ID] = &jobState{job: job}
	}
	return o, nil
}

// recoverJob repairs a job reloaded after a process restart. Operations that
// were in flight or never dispatched when the previous process died are
// marked failed so the job reaches a retryable terminal state instead of
// pretending to still run.
func (o *Orchestrator) recoverJob(job *domain.Job) {
	if job.Status != domain.JobStatusRunning {
		return
	}
	now := time.Now().UTC()
	interrupted := 0
	for i := range job.Operations {
		op := &job.Operations[i]
		if op.Status == domain.OperationRunning || op.Status == domain.OperationPending {
			op.Status = domain.OperationFailed
			op.Error = "interrupted by process restart"
			t := now
			op.CompletedAt = &t
			interrupted++
		}
	}
	job.Refresh()
	if job.CompletedAt == nil {
		t := now
		job.CompletedAt = &t
	}
	o.log.Warn().
		Str("job_id", job.ID).
		Int("interrupted_ops", interrupted).
		Str("status", string(job.Status)).
		Msg("job interrupted by restart; retry to resume failed operations")
	if err := o.saveWithRetry(job.Clone()); err != nil {
		job.Dirty = true
	}
}

// CreateJob validates the spec, persists a new pending job and registers it.
// Execution does not begin until StartJob is called.
func (o *Orchestrator) CreateJob(ctx context.Context, name string, kind domain.JobKind, descriptors []json.RawMessage, policy domain.Policy) (*domain.Job, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidSpec)
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("%w: at least one operation is required", domain.ErrInvalidSpec)
	}
	if policy.MaxParallel < 1 {
		return nil, fmt.Errorf("%w: max_parallel must be >= 1", domain.ErrInvalidSpec)
	}

	job := &domain.Job{
		ID:         uuid.NewString(),
		Name:       name,
		Kind:       kind,
		Policy:     policy,
		Status:     domain.JobStatusPending,
		CreatedAt:  time.Now().UTC(),
		Operations: make([]domain.Operation, 0, len(descriptors)),
	}
	for _, desc := range descriptors {
		job.Operations = append(job.Operations, domain.Operation{
			ID:         uuid.NewString(),
			Descriptor: append(json.RawMessage(nil), desc...),
			Status:     domain.OperationPending,
		})
	}
	job.Progress = domain.ComputeProgress(job.Operations)

	// Creation must be durable before the id is handed out.
	if err := o.saveWithRetry(job.Clone()); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.jobs[job.ID] = &jobState{job: job}
	o.mu.Unlock()

	o.log.Info().
		Str("job_id", job.ID).
		Str("kind", string(kind)).
		Int("operations", len(job.Operations)).
		Msg("job created")
	return job.Clone(), nil
}

// StartJob transitions a pending job to running and begins dispatching its
// operations under the job's policy.
func (o *Orchestrator) StartJob(ctx context.Context, id string) error {
	js, err := o.lookup(id)
	if err != nil {
		return err
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	if js.deleted {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if js.job.Status != domain.JobStatusPending {
		return fmt.Errorf("%w: job %s is %s, not pending", domain.ErrInvalidState, id, js.job.Status)
	}

	now := time.Now().UTC()
	js.job.Status = domain.JobStatusRunning
	js.job.StartedAt = &now
	o.checkpoint(js, true)

	opIDs := pendingOperationIDs(js.job)
	o.launchPass(js, opIDs)
	o.log.Info().Str("job_id", id).Int("operations", len(opIDs)).Msg("job started")
	return nil
}

// CancelJob stops dispatch of new operations. Operations still pending are
// skipped; operations already running finish naturally (the cancellation
// context is propagated to the executor, which may or may not honor it) and
// keep their true outcome.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	js, err := o.lookup(id)
	if err != nil {
		return err
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	if js.deleted {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if js.job.Status.Terminal() {
		return fmt.Errorf("%w: job %s already %s", domain.ErrInvalidState, id, js.job.Status)
	}

	js.job.CancelRequested = true
	js.stopped = true
	if js.cancel != nil {
		js.cancel()
	}

	if js.job.Status == domain.JobStatusPending {
		// Never started: no scheduling pass will finalize it, do so here.
		skipPending(js.job)
		now := time.Now().UTC()
		js.job.CompletedAt = &now
		js.job.Refresh()
		o.checkpoint(js, true)
	} else {
		o.checkpoint(js, false)
	}
	o.log.Info().Str("job_id", id).Msg("job cancellation requested")
	return nil
}

// RetryFailed resets every failed operation of a terminal job back to pending
// and schedules just that subset. Completed and skipped operations are never
// touched.
func (o *Orchestrator) RetryFailed(ctx context.Context, id string) error {
	js, err := o.lookup(id)
	if err != nil {
		return err
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	if js.deleted {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	switch js.job.Status {
	case domain.JobStatusFailed, domain.JobStatusPartialSuccess:
	default:
		return fmt.Errorf("%w: job %s is %s, retry requires failed or partial_success", domain.ErrInvalidState, id, js.job.Status)
	}

	var opIDs []string
	for i := range js.job.Operations {
		op := &js.job.Operations[i]
		switch op.Status {
		case domain.OperationFailed:
			op.Status = domain.OperationPending
			op.Error = ""
			op.Result = nil
			op.StartedAt = nil
			op.CompletedAt = nil
			opIDs = append(opIDs, op.ID)
		case domain.OperationPending:
			opIDs = append(opIDs, op.ID)
		}
	}
	if len(opIDs) == 0 {
		return fmt.Errorf("%w: job %s has no failed operations", domain.ErrInvalidState, id)
	}

	js.job.Status = domain.JobStatusRunning
	js.job.CompletedAt = nil
	js.job.CancelRequested = false
	js.job.Progress = domain.ComputeProgress(js.job.Operations)
	o.checkpoint(js, true)

	o.launchPass(js, opIDs)
	o.log.Info().Str("job_id", id).Int("retried_ops", len(opIDs)).Msg("failed operations requeued")
	return nil
}

// DeleteJob removes a terminal job from the registry and durable storage.
func (o *Orchestrator) DeleteJob(ctx context.Context, id string) error {
	js, err := o.lookup(id)
	if err != nil {
		return err
	}

	js.mu.Lock()
	if js.deleted {
		js.mu.Unlock()
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if !js.job.Status.Terminal() {
		status := js.job.Status
		js.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s, delete requires a terminal status", domain.ErrInvalidState, id, status)
	}
	js.deleted = true
	js.mu.Unlock()

	if err := o.store.Delete(context.Background(), id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		o.log.Error().Err(err).Str("job_id", id).Msg("delete job from store failed")
	}
	o.mu.Lock()
	delete(o.jobs, id)
	o.mu.Unlock()
	o.log.Info().Str("job_id", id).Msg("job deleted")
	return nil
}

// GetJob returns a consistent snapshot of one job.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	js, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.deleted {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return js.job.Clone(), nil
}

// ExportJob serializes the full job snapshot, including every operation with
// its result or error, for download or archival.
func (o *Orchestrator) ExportJob(ctx context.Context, id string) ([]byte, error) {
	job, err := o.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", id, err)
	}
	return data, nil
}

// Close stops dispatching across all jobs and waits for in-flight operations
// to settle or the context to expire. In-flight outcomes reached before the
// deadline are still recorded and persisted.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()

	o.mu.RLock()
	for _, js := range o.jobs {
		js.mu.Lock()
		js.stopped = true
		if js.cancel != nil {
			js.cancel()
		}
		js.mu.Unlock()
	}
	o.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(id string) (*jobState, error) {
	o.mu.RLock()
	js, ok := o.jobs[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return js, nil
}

func pendingOperationIDs(job *domain.Job) []string {
	var ids []string
	for i := range job.Operations {
		if job.Operations[i].Status == domain.OperationPending {
			ids = append(ids, job.Operations[i].ID)
		}
	}
	return ids
}

func skipPending(job *domain.Job) {
	for i := range job.Operations {
		if job.Operations[i].Status == domain.OperationPending {
			job.Operations[i].Status = domain.OperationSkipped
		}
	}
}

// checkpoint persists a snapshot of the job. Must be called with js.mu held.
// Terminal and administrative transitions pass sync=true so durability is
// settled before the call returns; per-operation checkpoints default to an
// asynchronous write with bounded retry.
func (o *Orchestrator) checkpoint(js *jobState, sync bool) {
	js.seq++
	seq := js.seq
	snapshot := js.job.Clone()
	if o.notify != nil {
		go o.notify(snapshot.Clone())
	}
	if sync || o.syncPersist {
		if err := o.persistSnapshot(js, snapshot, seq); err != nil {
			js.job.Dirty = true
			return
		}
		js.job.Dirty = false
		return
	}
	go func() {
		err := o.persistSnapshot(js, snapshot, seq)
		js.mu.Lock()
		if err != nil {
			js.job.Dirty = true
		} else if js.job.Dirty && snapshot.Status.Terminal() {
			js.job.Dirty = false
		}
		js.mu.Unlock()
	}()
}

// persistSnapshot writes one numbered snapshot. Writes for the same job are
// serialized, and a snapshot older than the newest one already written is
// dropped: last write wins must mean the last state taken, not the last save
// goroutine to finish.
func (o *Orchestrator) persistSnapshot(js *jobState, snapshot *domain.Job, seq uint64) error {
	js.persistMu.Lock()
	defer js.persistMu.Unlock()
	if seq <= js.savedSeq {
		return nil
	}
	if err := o.saveWithRetry(snapshot); err != nil {
		return err
	}
	js.savedSeq = seq
	return nil
}

// saveWithRetry writes one snapshot, retrying transient store failures with
// backoff. The snapshot must not alias live job state.
func (o *Orchestrator) saveWithRetry(snapshot *domain.Job) error {
	var err error
	for attempt := 1; attempt <= o.persistRetries; attempt++ {
		err = o.store.Save(context.Background(), snapshot)
		if err == nil {
			return nil
		}
		o.log.Warn().Err(err).
			Str("job_id", snapshot.ID).
			Int("attempt", attempt).
			Msg("persist job snapshot failed")
		if attempt < o.persistRetries {
			time.Sleep(time.Duration(attempt) * o.persistBackoff)
		}
	}
	o.log.Error().Err(err).Str("job_id", snapshot.ID).Msg("job not durably checkpointed")
	return fmt.Errorf("%w: job %s: %v", domain.ErrPersistence, snapshot.ID, err)
}
