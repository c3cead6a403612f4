// Package scheduler runs one-shot delayed jobs that survive process restarts.
//
// Jobs are persisted in a Store and claimed by deleting them, so each job is
// attempted at most once. A failing callback is logged and never re-queued.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/m3rciful/shophost/core/database"
)

// DefaultNamespace is the job-store namespace used when Schedule gets none.
const DefaultNamespace = "default"

// Callback is the function a job invokes when it fires.
type Callback func(ctx context.Context, args json.RawMessage) error

// Job is one persisted, not yet fired invocation.
type Job struct {
	ID        string
	Namespace string
	Callback  string
	Args      json.RawMessage
	RunAt     time.Time
}

// Store persists jobs of one namespace.
type Store interface {
	Namespace() string
	Add(ctx context.Context, job Job) error
	// Exists reports whether any namespace holds id.
	Exists(ctx context.Context, id string) (bool, error)
	// Remove deletes id and reports whether this call removed it.
	Remove(ctx context.Context, id string) (bool, error)
	// Due returns up to limit jobs with RunAt at or before now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Job, error)
}

var (
	// ErrUnknownCallback is returned when scheduling a ref that was never registered.
	ErrUnknownCallback = errors.New("scheduler: unknown callback")
	// ErrUnknownNamespace is returned when no store serves the requested namespace.
	ErrUnknownNamespace = errors.New("scheduler: unknown job store namespace")
	// ErrDuplicateJob is returned when a caller-supplied id is already taken.
	ErrDuplicateJob = errors.New("scheduler: job id already exists")
)

// JobStoreError wraps a job-store failure.
type JobStoreError struct {
	Op        string
	Namespace string
	JobID     string
	Err       error
}

func (e *JobStoreError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("scheduler: %s %s/%s: %v", e.Op, e.Namespace, e.JobID, e.Err)
	}
	return fmt.Sprintf("scheduler: %s %s: %v", e.Op, e.Namespace, e.Err)
}

func (e *JobStoreError) Unwrap() error { return e.Err }

// Retryable reports whether the failure was a transient connectivity error.
func (e *JobStoreError) Retryable() bool { return database.IsTransient(e.Err) }
