package orchestrator

import (
	"context"
	"sync"
	"time"

	"batchd/internal/domain"
	"batchd/internal/executor"
)

// launchPass starts one scheduling pass over the given operation ids.
// Must be called with js.mu held; the pass itself runs on its own goroutine.
func (o *Orchestrator) launchPass(js *jobState, opIDs []string) {
	ctx, cancel := context.WithCancel(context.Background())
	js.cancel = cancel
	js.stopped = false

	o.wg.Add(1)
	go o.runPass(ctx, js, opIDs)
}

// runPass drains the pass's operations through a bounded worker pool.
// Operations are dispatched in submission order; at most policy.Workers()
// run concurrently. Once dispatch stops (failure under stop-on-error, or
// cancellation) in-flight operations finish naturally and the remaining
// pending ones are skipped during finalization.
func (o *Orchestrator) runPass(ctx context.Context, js *jobState, opIDs []string) {
	defer o.wg.Done()

	js.mu.Lock()
	workers := js.job.Policy.Workers()
	js.mu.Unlock()

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

dispatch:
	for _, opID := range opIDs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}

		req, ok := o.beginOperation(js, opID)
		if !ok {
			<-sem
			break dispatch
		}

		wg.Add(1)
		go func(req executor.Request) {
			defer wg.Done()
			defer func() { <-sem }()
			result, err := o.exec.Execute(ctx, req)
			o.finishOperation(js, req.OperationID, result, err)
		}(req)
	}

	wg.Wait()
	o.finalizePass(js)
}

// beginOperation transitions one operation to running under the job lock.
// It refuses when dispatch has been stopped for the job, which keeps the
// stop-on-error and cancellation guarantees race-free: the decision to
// dispatch and the transition happen under the same lock as the failure that
// would forbid it.
func (o *Orchestrator) beginOperation(js *jobState, opID string) (executor.Request, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()

	if js.stopped {
		return executor.Request{}, false
	}
	op := js.job.Operation(opID)
	if op == nil || op.Status != domain.OperationPending {
		return executor.Request{}, false
	}

	now := time.Now().UTC()
	op.Status = domain.OperationRunning
	op.StartedAt = &now
	o.checkpoint(js, false)

	return executor.Request{
		JobID:       js.job.ID,
		OperationID: op.ID,
		Kind:        js.job.Kind,
		Descriptor:  append([]byte(nil), op.Descriptor...),
	}, true
}

// finishOperation records an executor outcome. The outcome always wins: even
// if cancellation was requested while the operation ran, a completed result
// is kept rather than forced to skipped.
func (o *Orchestrator) finishOperation(js *jobState, opID string, result []byte, execErr error) {
	js.mu.Lock()
	defer js.mu.Unlock()

	op := js.job.Operation(opID)
	if op == nil || op.Status != domain.OperationRunning {
		return
	}

	now := time.Now().UTC()
	op.CompletedAt = &now
	if execErr != nil {
		op.Status = domain.OperationFailed
		op.Error = execErr.Error()
		if js.job.Policy.StopOnError {
			js.stopped = true
		}
		o.log.Warn().
			Str("job_id", js.job.ID).
			Str("op_id", opID).
			Err(execErr).
			Msg("operation failed")
	} else {
		op.Status = domain.OperationCompleted
		op.Result = append([]byte(nil), result...)
		o.log.Debug().
			Str("job_id", js.job.ID).
			Str("op_id", opID).
			Msg("operation completed")
	}

	js.job.Progress = domain.ComputeProgress(js.job.Operations)
	o.checkpoint(js, false)
}

// finalizePass runs after the pass's in-flight set has drained. Leftover
// pending operations (stop-on-error or cancellation prevented their dispatch)
// become skipped, the terminal status is derived, and the snapshot is written
// synchronously.
func (o *Orchestrator) finalizePass(js *jobState) {
	js.mu.Lock()
	defer js.mu.Unlock()

	o.mu.RLock()
	draining := o.draining
	o.mu.RUnlock()
	if draining && !js.job.CancelRequested {
		// Process shutdown, not a job-level outcome: leave the job running
		// in the snapshot so restart recovery surfaces it as interrupted.
		js.cancel = nil
		o.checkpoint(js, true)
		return
	}

	skipPending(js.job)
	js.job.Refresh()
	if js.job.Status.Terminal() {
		now := time.Now().UTC()
		js.job.CompletedAt = &now
	}
	js.cancel = nil
	o.checkpoint(js, true)

	o.log.Info().
		Str("job_id", js.job.ID).
		Str("status", string(js.job.Status)).
		Int("completed", js.job.Progress.Completed).
		Int("failed", js.job.Progress.Failed).
		Int("skipped", js.job.Progress.Skipped).
		Msg("job finished")
}
