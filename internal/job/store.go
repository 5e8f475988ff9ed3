package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when an update would regress a job's status
	// order, e.g. a stale callback arriving after a terminal transition.
	ErrConflict = errors.New("job status conflict")
	// ErrDuplicate is returned when creating a job whose id already exists.
	ErrDuplicate = errors.New("job already exists")
)

// Store persists and retrieves jobs. The store is the sole owner of Job
// lifetime: a job is created once, mutated through Apply until terminal,
// and logically immutable afterwards.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Apply atomically merges an update into an existing job: refreshes
	// UpdatedAt, bumps Version, and stamps CompletedAt exactly once on the
	// first terminal transition. Returns ErrNotFound for an unknown id and
	// ErrConflict when the update would move the status backward.
	Apply(ctx context.Context, id string, u Update) (*Job, error)
	Delete(ctx context.Context, id string) error
	// List returns a page of jobs ordered by created_at DESC, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)
	// DeleteTerminalBefore removes terminal jobs completed before the cutoff.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
