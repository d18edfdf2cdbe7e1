package jobs

import (
	"context"
	"errors"
	"time"
)

// State represents the lifecycle state of a conversion job.
type State string

const (
	StatePending  State = "pending"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateID       = errors.New("duplicate job id")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Job describes a single uploaded file and its conversion outcome.
type Job struct {
	ID           string     // from util.NewID
	State        State      // current state
	ArtifactRef  string     // locator of the primary converted artifact, set once complete
	Error        string     // failure cause, set once failed
	OriginalName string     // sanitized client filename
	CreatedAt    time.Time  // creation time
	CompletedAt  *time.Time // when finished (success or failure)
}

// Registry is the authoritative store of job state. Implementations must be
// safe for concurrent use and make every call atomic: readers observe a job
// either before or after a transition, never in between.
type Registry interface {
	// Put inserts a new pending job. ErrDuplicateID if the id is taken.
	Put(ctx context.Context, job Job) error
	// Get returns a snapshot of the job or ErrNotFound.
	Get(ctx context.Context, id string) (Job, error)
	// Complete moves a pending job to StateComplete with its artifact reference.
	Complete(ctx context.Context, id, artifactRef string) error
	// Fail moves a pending job to StateFailed with a short cause.
	Fail(ctx context.Context, id, reason string) error
	Close() error
}

func validateNew(job Job) error {
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.State != StatePending {
		return errors.New("new jobs must be pending")
	}
	return nil
}
