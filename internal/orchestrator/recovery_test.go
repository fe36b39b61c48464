package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"batchd/internal/domain"
	"batchd/internal/executor"
	"batchd/internal/storage"
)

// failingStore wraps a real store and fails writes on demand.
type failingStore struct {
	inner domain.JobStore
	fail  atomic.Bool
}

func (s *failingStore) Save(ctx context.Context, job *domain.Job) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.inner.Save(ctx, job)
}

func (s *failingStore) Load(ctx context.Context, id string) (*domain.Job, error) {
	return s.inner.Load(ctx, id)
}

func (s *failingStore) LoadAll(ctx context.Context) ([]*domain.Job, error) {
	return s.inner.LoadAll(ctx)
}

func (s *failingStore) Delete(ctx context.Context, id string) error {
	return s.inner.Delete(ctx, id)
}

func TestPersistenceFailureNeverStopsExecution(t *testing.T) {
	store := &failingStore{inner: storage.NewMemoryStore()}
	o := newTestOrchestrator(t, store, newScriptedExec(), WithSyncPersist())
	ctx := context.Background()

	job, err := o.CreateJob(ctx, "outage", domain.JobKindBulkPipeline, descriptors(3), seqPolicy(false))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	store.fail.Store(true)
	if err := o.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob during outage: %v", err)
	}
	final := waitForStatus(t, o, job.ID, domain.JobStatusCompleted)

	if !final.Dirty {
		t.Fatal("job not flagged as missing its durable checkpoint")
	}
	// The stored copy is stale but intact.
	stored, err := store.Load(ctx, job.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.Status != domain.JobStatusPending {
		t.Fatalf("stored status = %s, want the pre-outage pending snapshot", stored.Status)
	}
}

func TestCreateJobFailsWhenStoreUnavailable(t *testing.T) {
	store := &failingStore{inner: storage.NewMemoryStore()}
	store.fail.Store(true)
	o := newTestOrchestrator(t, store, newScriptedExec())

	if _, err := o.CreateJob(context.Background(), "no-home", domain.JobKindBulkPipeline, descriptors(1), seqPolicy(false)); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
}

func TestRestartRecovery(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	// First process: operations block until shutdown.
	blocked := executor.Func(func(ctx context.Context, req executor.Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o1 := newTestOrchestrator(t, store, blocked, WithSyncPersist())

	idle, err := o1.CreateJob(ctx, "untouched", domain.JobKindDataGen, descriptors(1), seqPolicy(false))
	if err != nil {
		t.Fatalf("CreateJob idle: %v", err)
	}
	running, err := o1.CreateJob(ctx, "in-flight", domain.JobKindBulkPipeline, descriptors(3), parPolicy(2, false))
	if err != nil {
		t.Fatalf("CreateJob running: %v", err)
	}
	if err := o1.StartJob(ctx, running.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	// Wait for the durable snapshot to show in-flight work, the state a
	// crash would leave behind.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := store.Load(ctx, running.ID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap.Status == domain.JobStatusRunning && domain.CountStatuses(snap.Operations).Running > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("running snapshot never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Second process: reload from the same store.
	exec2 := newScriptedExec()
	o2 := newTestOrchestrator(t, store, exec2, WithSyncPersist())

	recovered, err := o2.GetJob(ctx, running.ID)
	if err != nil {
		t.Fatalf("GetJob after restart: %v", err)
	}
	if recovered.Status != domain.JobStatusFailed {
		t.Fatalf("recovered status = %s, want failed (interrupted)", recovered.Status)
	}
	for _, op := range recovered.Operations {
		if op.Status != domain.OperationFailed {
			t.Fatalf("recovered operation = %s, want failed", op.Status)
		}
		if !strings.Contains(op.Error, "interrupted") {
			t.Fatalf("recovered operation error = %q", op.Error)
		}
	}

	// The idle job survives untouched and remains startable.
	idleAfter, err := o2.GetJob(ctx, idle.ID)
	if err != nil {
		t.Fatalf("GetJob idle after restart: %v", err)
	}
	if idleAfter.Status != domain.JobStatusPending {
		t.Fatalf("idle status = %s, want pending", idleAfter.Status)
	}

	// The explicit remedy is an operator retry, which now succeeds.
	if err := o2.RetryFailed(ctx, running.ID); err != nil {
		t.Fatalf("RetryFailed after restart: %v", err)
	}
	final := waitForStatus(t, o2, running.ID, domain.JobStatusCompleted)
	if final.Progress.Completed != 3 {
		t.Fatalf("progress after recovery retry = %+v", final.Progress)
	}
}

// slowStore wraps a real store and delays every non-terminal write, mimicking
// a store that persists in-flight snapshots slower than the job finishes.
type slowStore struct {
	inner domain.JobStore
	delay time.Duration
}

func (s *slowStore) Save(ctx context.Context, job *domain.Job) error {
	if !job.Status.Terminal() {
		time.Sleep(s.delay)
	}
	return s.inner.Save(ctx, job)
}

func (s *slowStore) Load(ctx context.Context, id string) (*domain.Job, error) {
	return s.inner.Load(ctx, id)
}

func (s *slowStore) LoadAll(ctx context.Context) ([]*domain.Job, error) {
	return s.inner.LoadAll(ctx)
}

func (s *slowStore) Delete(ctx context.Context, id string) error {
	return s.inner.Delete(ctx, id)
}

func TestStaleCheckpointNeverOvertakesTerminalWrite(t *testing.T) {
	mem := storage.NewMemoryStore()
	store := &slowStore{inner: mem, delay: 50 * time.Millisecond}
	o := newTestOrchestrator(t, store, newScriptedExec())
	ctx := context.Background()

	job, err := o.CreateJob(ctx, "race-to-disk", domain.JobKindBulkPipeline, descriptors(1), seqPolicy(false))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := o.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	waitForStatus(t, o, job.ID, domain.JobStatusCompleted)

	// Give every checkpoint queued before the terminal write ample time to
	// drain; none of them may land on top of it.
	deadline := time.Now().Add(time.Second)
	for {
		stored, err := mem.Load(ctx, job.ID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if stored.Status == domain.JobStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("durable snapshot = %s, terminal write never landed", stored.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(5 * store.delay)

	stored, err := mem.Load(ctx, job.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.Status != domain.JobStatusCompleted {
		t.Fatalf("durable snapshot = %s after settle, a stale checkpoint overwrote the terminal write", stored.Status)
	}
	if got := stored.Operations[0].Status; got != domain.OperationCompleted {
		t.Fatalf("durable operation = %s, want completed", got)
	}
	if len(stored.Operations[0].Result) == 0 {
		t.Fatal("durable operation lost its result")
	}
}
