package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryRegistry keeps jobs in a process-scoped map. Entries are never evicted.
type MemoryRegistry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{jobs: make(map[string]Job)}
}

func (r *MemoryRegistry) Put(_ context.Context, job Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return ErrDuplicateID
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.CompletedAt != nil {
		ct := *job.CompletedAt
		job.CompletedAt = &ct
	}
	return job, nil
}

func (r *MemoryRegistry) Complete(_ context.Context, id, artifactRef string) error {
	if artifactRef == "" {
		return errors.New("artifact reference is required")
	}
	return r.transition(id, func(j *Job) {
		j.State = StateComplete
		j.ArtifactRef = artifactRef
	})
}

func (r *MemoryRegistry) Fail(_ context.Context, id, reason string) error {
	return r.transition(id, func(j *Job) {
		j.State = StateFailed
		j.Error = reason
	})
}

func (r *MemoryRegistry) transition(id string, apply func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State != StatePending {
		return ErrInvalidTransition
	}
	apply(&job)
	now := time.Now().UTC()
	job.CompletedAt = &now
	r.jobs[id] = job
	return nil
}

func (r *MemoryRegistry) Close() error { return nil }
