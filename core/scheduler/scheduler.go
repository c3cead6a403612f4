package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/m3rciful/shophost/core/logger"
)

const (
	defaultTick          = 5 * time.Second
	defaultBatch         = 100
	defaultMaxConcurrent = 4
	maxIDAttempts        = 5
)

// Options tunes a Scheduler. Zero values select defaults.
type Options struct {
	Tick          time.Duration
	Batch         int
	MaxConcurrent int
	Metrics       *Metrics
	Now           func() time.Time
	NewID         func() string
}

// Scheduler fires persisted one-shot jobs. It is built once at process start
// and injected where jobs are scheduled; Start and Shutdown bracket its life.
type Scheduler struct {
	opts Options

	mu        sync.RWMutex
	callbacks map[string]Callback
	stores    map[string]Store

	cron    *cron.Cron
	tickMu  sync.Mutex
	runMu   sync.Mutex
	running bool
	runCtx  context.Context
	stopRun context.CancelFunc
	bg      sync.WaitGroup
}

// New returns a scheduler over stores. At least one store is required.
func New(opts Options, stores ...Store) (*Scheduler, error) {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	cl := cronLogger{}
	s := &Scheduler{
		opts:      opts,
		callbacks: make(map[string]Callback),
		stores:    make(map[string]Store),
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
	}
	for _, st := range stores {
		if err := s.AddStore(st); err != nil {
			return nil, err
		}
	}
	if len(s.stores) == 0 {
		return nil, errors.New("scheduler: at least one job store is required")
	}
	return s, nil
}

// AddStore attaches a job store for its namespace.
func (s *Scheduler) AddStore(st Store) error {
	if st == nil {
		return errors.New("scheduler: nil job store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := st.Namespace()
	if _, exists := s.stores[ns]; exists {
		return fmt.Errorf("scheduler: job store %q already attached", ns)
	}
	s.stores[ns] = st
	return nil
}

// Register binds ref to cb. Jobs reference callbacks by ref only, so refs must
// stay stable across releases while persisted jobs may still point at them.
func (s *Scheduler) Register(ref string, cb Callback) error {
	if strings.TrimSpace(ref) == "" || cb == nil {
		return errors.New("scheduler: invalid callback registration")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.callbacks[ref]; exists {
		return fmt.Errorf("scheduler: callback already registered: %s", ref)
	}
	s.callbacks[ref] = cb
	return nil
}

// Callbacks lists registered refs (for diagnostics).
func (s *Scheduler) Callbacks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]string, 0, len(s.callbacks))
	for ref := range s.callbacks {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

type scheduleConfig struct {
	jobID     string
	namespace string
}

// ScheduleOption customizes Schedule.
type ScheduleOption func(*scheduleConfig)

// WithJobID uses id instead of a generated one.
func WithJobID(id string) ScheduleOption {
	return func(c *scheduleConfig) { c.jobID = id }
}

// WithNamespace stores the job in the namespace's job store.
func WithNamespace(ns string) ScheduleOption {
	return func(c *scheduleConfig) { c.namespace = ns }
}

// Schedule persists a job that invokes ref with args at runAt and returns its id.
// runAt in the past fires on the next tick.
func (s *Scheduler) Schedule(ctx context.Context, ref string, args any, runAt time.Time, opts ...ScheduleOption) (string, error) {
	cfg := scheduleConfig{namespace: DefaultNamespace}
	for _, opt := range opts {
		opt(&cfg)
	}

	s.mu.RLock()
	_, known := s.callbacks[ref]
	store := s.stores[cfg.namespace]
	s.mu.RUnlock()
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownCallback, ref)
	}
	if store == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownNamespace, cfg.namespace)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("scheduler: encode args for %s: %w", ref, err)
	}

	id := cfg.jobID
	if id == "" {
		if id, err = s.uniqueID(ctx); err != nil {
			return "", err
		}
	}

	job := Job{ID: id, Namespace: cfg.namespace, Callback: ref, Args: raw, RunAt: runAt}
	if err := store.Add(ctx, job); err != nil {
		logger.Error(ctx, "scheduler", "job.schedule",
			slog.String("status", "fail"),
			slog.String("job_id", id),
			slog.String("callback", ref),
			slog.String("err", err.Error()),
		)
		return "", err
	}

	s.opts.Metrics.scheduled(ref)
	logger.Info(ctx, "scheduler", "job.schedule",
		slog.String("status", "ok"),
		slog.String("job_id", id),
		slog.String("callback", ref),
		slog.String("namespace", cfg.namespace),
		slog.Time("run_at", runAt),
	)
	return id, nil
}

// uniqueID draws ids until no attached store knows the candidate.
func (s *Scheduler) uniqueID(ctx context.Context) (string, error) {
	stores := s.snapshotStores()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := s.opts.NewID()
		taken := false
		for _, st := range stores {
			exists, err := st.Exists(ctx, id)
			if err != nil {
				return "", err
			}
			if exists {
				taken = true
				break
			}
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("scheduler: no free job id after %d attempts", maxIDAttempts)
}

// Cancel removes jobID so it never fires. Unknown ids, including jobs that
// already fired or whose owner is gone, are logged and ignored.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if jobID != "" {
		for _, st := range s.snapshotStores() {
			removed, err := st.Remove(ctx, jobID)
			if err != nil {
				return err
			}
			if removed {
				s.opts.Metrics.cancelled()
				logger.Info(ctx, "scheduler", "job.cancel",
					slog.String("status", "ok"),
					slog.String("job_id", jobID),
					slog.String("namespace", st.Namespace()),
				)
				return nil
			}
		}
	}
	logger.Warn(ctx, "scheduler", "job.cancel",
		slog.String("status", "dropped"),
		slog.String("job_id", jobID),
		slog.String("reason", "unknown_job"),
	)
	return nil
}

// Every runs fn on a fixed interval while the scheduler is running.
// It is meant for housekeeping such as purging expired records.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 || fn == nil {
		return errors.New("scheduler: invalid periodic task")
	}
	_, err := s.cron.AddFunc("@every "+interval.String(), func() {
		ctx := s.context()
		if err := fn(ctx); err != nil {
			logger.Warn(ctx, "scheduler", "task.run",
				slog.String("status", "fail"),
				slog.String("op", name),
				slog.String("err", err.Error()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: add periodic task %s: %w", name, err)
	}
	return nil
}

// Start resumes persisted jobs and begins ticking. Jobs already due, including
// those missed while the process was down, fire on the recovery tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCtx != nil {
		return errors.New("scheduler: already started")
	}

	if _, err := s.cron.AddFunc("@every "+s.opts.Tick.String(), s.tick); err != nil {
		return fmt.Errorf("scheduler: add tick: %w", err)
	}
	s.runCtx, s.stopRun = context.WithCancel(ctx)
	s.running = true

	logger.SCHED.Info("scheduler started",
		slog.String("event", "scheduler.start"),
		slog.Duration("tick", s.opts.Tick),
		slog.Int("batch", s.opts.Batch),
		slog.Int("max_concurrent", s.opts.MaxConcurrent),
		slog.Int("stores", len(s.snapshotStores())),
		slog.Int("callbacks", len(s.Callbacks())),
	)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if n := s.RunPending(s.runCtx); n > 0 {
			logger.SCHED.Info("recovered jobs",
				slog.String("event", "scheduler.recover"),
				slog.Int("count", n),
			)
		}
	}()
	s.cron.Start()
	return nil
}

// Shutdown stops ticking and waits for running callbacks until ctx ends,
// after which their context is cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = false
	s.runMu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.bg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.stopRun()

	logger.SCHED.Info("scheduler stopped",
		slog.String("event", "scheduler.stop"),
		slog.String("status", logger.Status(err)),
	)
	return err
}

func (s *Scheduler) tick() {
	if !s.tickMu.TryLock() {
		return
	}
	s.tickMu.Unlock()
	s.RunPending(s.context())
}

// RunPending claims and fires every due job once, waiting for the callbacks it
// started. It returns the number of jobs claimed.
func (s *Scheduler) RunPending(ctx context.Context) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	sem := make(chan struct{}, s.opts.MaxConcurrent)
	var wg sync.WaitGroup
	claimed := 0

	for _, st := range s.snapshotStores() {
		due, err := st.Due(ctx, s.opts.Now(), s.opts.Batch)
		if err != nil {
			logger.Error(ctx, "scheduler", "tick.poll",
				slog.String("status", "fail"),
				slog.String("namespace", st.Namespace()),
				slog.String("err", err.Error()),
			)
			continue
		}
		for _, job := range due {
			ok, err := st.Remove(ctx, job.ID)
			if err != nil {
				logger.Error(ctx, "scheduler", "job.claim",
					slog.String("status", "fail"),
					slog.String("job_id", job.ID),
					slog.String("err", err.Error()),
				)
				continue
			}
			if !ok {
				continue
			}
			claimed++
			sem <- struct{}{}
			wg.Add(1)
			go func(job Job) {
				defer wg.Done()
				defer func() { <-sem }()
				s.fire(ctx, job)
			}(job)
		}
	}
	wg.Wait()

	if s.opts.Metrics != nil {
		s.opts.Metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
	if claimed > 0 {
		logger.Debug(ctx, "scheduler", "tick",
			slog.String("status", "ok"),
			slog.Int("count", claimed),
			slog.Duration("duration", logger.Took(start)),
		)
	}
	return claimed
}

func (s *Scheduler) fire(ctx context.Context, job Job) {
	ctx = logger.WithJob(ctx, job.ID)
	s.mu.RLock()
	cb := s.callbacks[job.Callback]
	s.mu.RUnlock()

	if cb == nil {
		s.opts.Metrics.fired(job.Callback, "unknown")
		logger.Error(ctx, "scheduler", "job.fire",
			slog.String("status", "dropped"),
			slog.String("callback", job.Callback),
			slog.String("err", ErrUnknownCallback.Error()),
		)
		return
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.opts.Metrics.fired(job.Callback, "panic")
			logger.Error(ctx, "scheduler", "job.fire",
				slog.String("status", "fail"),
				slog.String("outcome", "panic"),
				slog.String("callback", job.Callback),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
				slog.Duration("duration", logger.Took(start)),
			)
		}
	}()

	err := cb(ctx, job.Args)
	if err != nil {
		s.opts.Metrics.fired(job.Callback, "fail")
		logger.Error(ctx, "scheduler", "job.fire",
			slog.String("status", "fail"),
			slog.String("callback", job.Callback),
			slog.Time("run_at", job.RunAt),
			slog.String("err", err.Error()),
			slog.Duration("duration", logger.Took(start)),
		)
		return
	}
	s.opts.Metrics.fired(job.Callback, "ok")
	logger.Info(ctx, "scheduler", "job.fire",
		slog.String("status", "ok"),
		slog.String("callback", job.Callback),
		slog.Duration("duration", logger.Took(start)),
	)
}

func (s *Scheduler) context() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

func (s *Scheduler) snapshotStores() []Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stores))
	for ns := range s.stores {
		names = append(names, ns)
	}
	sort.Strings(names)
	out := make([]Store, 0, len(names))
	for _, ns := range names {
		out = append(out, s.stores[ns])
	}
	return out
}

// cronLogger routes robfig/cron diagnostics into the scheduler logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.SCHED.Debug(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.SCHED.Error(msg, append(keysAndValues, "err", err)...)
}
