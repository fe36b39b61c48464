package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"batchd/internal/domain"
)

// JobStorePG implements domain.JobStore on PostgreSQL. Each job is stored as
// one row; the ordered operation list travels as a JSONB snapshot so that a
// save is always a single self-consistent write.
type JobStorePG struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a job store backed by PostgreSQL.
func NewJobStore(pool *pgxpool.Pool) *JobStorePG {
	return &JobStorePG{pool: pool}
}

// Save upserts the complete job snapshot. Last write wins by id.
func (r *JobStorePG) Save(ctx context.Context, job *domain.Job) error {
	ops, err := json.Marshal(job.Operations)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}
	policy, err := json.Marshal(job.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	query := `
INSERT INTO batch_jobs (id, name, kind, status, policy, operations, cancel_requested, created_at, started_at, completed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    policy = EXCLUDED.policy,
    operations = EXCLUDED.operations,
    cancel_requested = EXCLUDED.cancel_requested,
    started_at = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at,
    updated_at = NOW();
`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.Name,
		job.Kind,
		job.Status,
		policy,
		ops,
		job.CancelRequested,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: save job %s: %v", domain.ErrPersistence, job.ID, err)
	}
	return nil
}

// Load fetches a job snapshot by id.
func (r *JobStorePG) Load(ctx context.Context, id string) (*domain.Job, error) {
	query := `
SELECT id, name, kind, status, policy, operations, cancel_requested, created_at, started_at, completed_at
FROM batch_jobs
WHERE id = $1;
`
	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: load job %s: %v", domain.ErrPersistence, id, err)
	}
	return job, nil
}

// LoadAll fetches every stored job, newest first.
func (r *JobStorePG) LoadAll(ctx context.Context) ([]*domain.Job, error) {
	query := `
SELECT id, name, kind, status, policy, operations, cancel_requested, created_at, started_at, completed_at
FROM batch_jobs
ORDER BY created_at DESC;
`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: load jobs: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan job: %v", domain.ErrPersistence, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate jobs: %v", domain.ErrPersistence, err)
	}
	return jobs, nil
}

// Delete removes a job row.
func (r *JobStorePG) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM batch_jobs WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("%w: delete job %s: %v", domain.ErrPersistence, id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job        domain.Job
		policyJSON []byte
		opsJSON    []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Kind,
		&job.Status,
		&policyJSON,
		&opsJSON,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(policyJSON, &job.Policy); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := json.Unmarshal(opsJSON, &job.Operations); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	job.Progress = domain.ComputeProgress(job.Operations)
	return &job, nil
}

var _ domain.JobStore = (*JobStorePG)(nil)
