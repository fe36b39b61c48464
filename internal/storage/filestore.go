package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"batchd/internal/domain"
)

// FileStore persists job snapshots as one JSON document per job id on the
// local filesystem. It is intended for development and single-node
// deployments where a database is not available; snapshots survive process
// restarts and saves are atomic (write to temp file, then rename).
type FileStore struct {
	basePath string
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Save writes the complete job snapshot. Last write wins by job id.
func (s *FileStore) Save(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.jobPath(job.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode job %s: %w", job.ID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write job %s: %v", domain.ErrPersistence, job.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: commit job %s: %v", domain.ErrPersistence, job.ID, err)
	}
	return nil
}

// Load reads a single job snapshot by id.
func (s *FileStore) Load(ctx context.Context, id string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.jobPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: read job %s: %v", domain.ErrPersistence, id, err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: decode job %s: %v", domain.ErrPersistence, id, err)
	}
	return &job, nil
}

// LoadAll reads every persisted job snapshot. Unreadable files abort the load
// rather than silently dropping history.
func (s *FileStore) LoadAll(ctx context.Context) ([]*domain.Job, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", domain.ErrPersistence, err)
	}
	jobs := make([]*domain.Job, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		job, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Delete removes a job snapshot.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.jobPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("%w: delete job %s: %v", domain.ErrPersistence, id, err)
	}
	return nil
}

// jobPath resolves the snapshot file for an id, rejecting ids that would
// escape the storage root.
func (s *FileStore) jobPath(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("storage: job id is required")
	}
	cleaned := filepath.Clean(id)
	if cleaned != id || strings.ContainsAny(id, `/\`) || cleaned == "." || cleaned == ".." {
		return "", fmt.Errorf("storage: invalid job id %q", id)
	}
	return filepath.Join(s.basePath, cleaned+".json"), nil
}

var _ domain.JobStore = (*FileStore)(nil)
