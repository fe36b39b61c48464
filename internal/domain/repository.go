package domain

import "context"

// JobStore defines durable persistence for jobs. Saves are whole-job
// snapshots: idempotent, last write wins by id. Implementations map their
// driver-level not-found errors to ErrNotFound.
type JobStore interface {
	Save(ctx context.Context, job *Job) error
	Load(ctx context.Context, id string) (*Job, error)
	LoadAll(ctx context.Context) ([]*Job, error)
	Delete(ctx context.Context, id string) error
}
