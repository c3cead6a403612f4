package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/shophost/core/database"
)

// SQLStore keeps the jobs of one namespace in the scheduled_jobs table.
type SQLStore struct {
	db        *sqlx.DB
	namespace string
	retry     database.RetryPolicy
}

// NewSQLStore returns a store for namespace (DefaultNamespace when empty).
func NewSQLStore(db *sqlx.DB, namespace string) *SQLStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &SQLStore{db: db, namespace: namespace, retry: database.DefaultRetry}
}

// Namespace returns the namespace served by s.
func (s *SQLStore) Namespace() string { return s.namespace }

type jobRow struct {
	ID        string `db:"job_id"`
	Namespace string `db:"namespace"`
	Callback  string `db:"callback"`
	Args      string `db:"args"`
	RunAt     int64  `db:"run_at"`
}

// Add inserts job. A taken id yields ErrDuplicateJob wrapped in a JobStoreError.
func (s *SQLStore) Add(ctx context.Context, job Job) error {
	args := string(job.Args)
	if args == "" {
		args = "null"
	}
	err := database.Retry(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			s.db.Rebind(`INSERT INTO scheduled_jobs (job_id, namespace, callback, args, run_at) VALUES (?, ?, ?, ?, ?)`),
			job.ID, s.namespace, job.Callback, args, job.RunAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		if exists, exErr := s.Exists(ctx, job.ID); exErr == nil && exists {
			err = ErrDuplicateJob
		}
		return &JobStoreError{Op: "add", Namespace: s.namespace, JobID: job.ID, Err: err}
	}
	return nil
}

// Exists reports whether id is present in any namespace; job ids are globally unique.
func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := database.Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM scheduled_jobs WHERE job_id = ?`), id)
	})
	if err != nil {
		return false, &JobStoreError{Op: "exists", Namespace: s.namespace, JobID: id, Err: err}
	}
	return n > 0, nil
}

// Remove deletes id from this namespace.
func (s *SQLStore) Remove(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := database.Retry(ctx, s.retry, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			s.db.Rebind(`DELETE FROM scheduled_jobs WHERE job_id = ? AND namespace = ?`),
			id, s.namespace,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, &JobStoreError{Op: "remove", Namespace: s.namespace, JobID: id, Err: err}
	}
	return affected > 0, nil
}

// Due lists jobs ready to fire.
func (s *SQLStore) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	var rows []jobRow
	err := database.Retry(ctx, s.retry, func(ctx context.Context) error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows,
			s.db.Rebind(`SELECT job_id, namespace, callback, args, run_at FROM scheduled_jobs
WHERE namespace = ? AND run_at <= ? ORDER BY run_at, job_id LIMIT ?`),
			s.namespace, now.UnixMilli(), limit,
		)
	})
	if err != nil {
		return nil, &JobStoreError{Op: "due", Namespace: s.namespace, Err: err}
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, Job{
			ID:        r.ID,
			Namespace: r.Namespace,
			Callback:  r.Callback,
			Args:      json.RawMessage(r.Args),
			RunAt:     time.UnixMilli(r.RunAt),
		})
	}
	return jobs, nil
}

// MemoryStore keeps jobs in process memory. Jobs are lost on restart.
type MemoryStore struct {
	namespace string
	mu        sync.Mutex
	jobs      map[string]Job
}

// NewMemoryStore returns an empty store for namespace (DefaultNamespace when empty).
func NewMemoryStore(namespace string) *MemoryStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &MemoryStore{namespace: namespace, jobs: make(map[string]Job)}
}

// Namespace returns the namespace served by m.
func (m *MemoryStore) Namespace() string { return m.namespace }

// Add stores job.
func (m *MemoryStore) Add(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return &JobStoreError{Op: "add", Namespace: m.namespace, JobID: job.ID, Err: ErrDuplicateJob}
	}
	job.Namespace = m.namespace
	m.jobs[job.ID] = job
	return nil
}

// Exists reports whether id is stored here.
func (m *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	return ok, nil
}

// Remove deletes id.
func (m *MemoryStore) Remove(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}

// Due lists jobs ready to fire.
func (m *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Job
	for _, j := range m.jobs {
		if !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].RunAt.Equal(due[k].RunAt) {
			return due[i].ID < due[k].ID
		}
		return due[i].RunAt.Before(due[k].RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
