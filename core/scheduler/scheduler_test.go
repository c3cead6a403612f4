package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/shophost/core/database/dbtest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.UnixMilli(1_700_000_000_000)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu    sync.Mutex
	calls []json.RawMessage
}

func (r *recorder) callback(_ context.Context, args json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(t *testing.T, clk *clock, stores ...Store) *Scheduler {
	t.Helper()
	s, err := New(Options{Now: clk.Now, MaxConcurrent: 2}, stores...)
	require.NoError(t, err)
	return s
}

func jobStores(t *testing.T) map[string]func() Store {
	db := dbtest.Open(t)
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore("") },
		"sql":    func() Store { return NewSQLStore(db, "") },
	}
}

func TestScheduleFiresWhenDue(t *testing.T) {
	ctx := context.Background()
	for name, mk := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			s := newTestScheduler(t, clk, mk())
			rec := &recorder{}
			require.NoError(t, s.Register("mailing.send", rec.callback))

			id, err := s.Schedule(ctx, "mailing.send", map[string]int{"mailing_id": 42}, clk.Now().Add(time.Hour))
			require.NoError(t, err)
			require.NotEmpty(t, id)

			require.Equal(t, 0, s.RunPending(ctx))
			require.Equal(t, 0, rec.count())

			clk.Advance(time.Hour)
			require.Equal(t, 1, s.RunPending(ctx))
			require.Equal(t, 1, rec.count())
			require.JSONEq(t, `{"mailing_id":42}`, string(rec.calls[0]))

			require.Equal(t, 0, s.RunPending(ctx))
			require.Equal(t, 1, rec.count())
		})
	}
}

func TestCancelBeforeRunAtPreventsFiring(t *testing.T) {
	ctx := context.Background()
	for name, mk := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			s := newTestScheduler(t, clk, mk())
			rec := &recorder{}
			require.NoError(t, s.Register("mailing.send", rec.callback))

			id, err := s.Schedule(ctx, "mailing.send", map[string]int{"mailing_id": 42}, clk.Now().Add(time.Hour))
			require.NoError(t, err)
			require.NoError(t, s.Cancel(ctx, id))

			clk.Advance(2 * time.Hour)
			require.Equal(t, 0, s.RunPending(ctx))
			require.Equal(t, 0, rec.count())
		})
	}
}

func TestCancelUnknownIsNoop(t *testing.T) {
	s := newTestScheduler(t, newClock(), NewMemoryStore(""))
	require.NoError(t, s.Cancel(context.Background(), "does-not-exist"))
	require.NoError(t, s.Cancel(context.Background(), ""))
}

func TestScheduleUnknownCallback(t *testing.T) {
	s := newTestScheduler(t, newClock(), NewMemoryStore(""))
	_, err := s.Schedule(context.Background(), "nope", nil, time.Now())
	require.ErrorIs(t, err, ErrUnknownCallback)
}

func TestScheduleUnknownNamespace(t *testing.T) {
	s := newTestScheduler(t, newClock(), NewMemoryStore(""))
	require.NoError(t, s.Register("cb", func(context.Context, json.RawMessage) error { return nil }))
	_, err := s.Schedule(context.Background(), "cb", nil, time.Now(), WithNamespace("contests"))
	require.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestScheduleRegeneratesCollidingIDs(t *testing.T) {
	ctx := context.Background()
	ids := []string{"taken", "taken", "fresh"}
	var n atomic.Int32
	store := NewMemoryStore("")
	s, err := New(Options{NewID: func() string { return ids[n.Add(1)-1] }}, store)
	require.NoError(t, err)
	require.NoError(t, s.Register("cb", func(context.Context, json.RawMessage) error { return nil }))

	_, err = s.Schedule(ctx, "cb", nil, time.Now(), WithJobID("taken"))
	require.NoError(t, err)

	id, err := s.Schedule(ctx, "cb", nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, "fresh", id)
	require.Equal(t, int32(3), n.Load())
}

func TestScheduleDuplicateJobID(t *testing.T) {
	ctx := context.Background()
	for name, mk := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newTestScheduler(t, newClock(), mk())
			require.NoError(t, s.Register("cb", func(context.Context, json.RawMessage) error { return nil }))
			_, err := s.Schedule(ctx, "cb", nil, time.Now(), WithJobID("fixed-"+name))
			require.NoError(t, err)
			_, err = s.Schedule(ctx, "cb", nil, time.Now(), WithJobID("fixed-"+name))
			require.ErrorIs(t, err, ErrDuplicateJob)
		})
	}
}

func TestFailingAndPanickingCallbacksAreNotRequeued(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	reg := prometheus.NewRegistry()
	s, err := New(Options{Now: clk.Now, Metrics: NewMetrics(reg)}, NewMemoryStore(""))
	require.NoError(t, err)

	var failCalls, panicCalls atomic.Int32
	require.NoError(t, s.Register("contest.finalize", func(context.Context, json.RawMessage) error {
		failCalls.Add(1)
		return errors.New("partial send")
	}))
	require.NoError(t, s.Register("partnership.finalize", func(context.Context, json.RawMessage) error {
		panicCalls.Add(1)
		panic("boom")
	}))

	_, err = s.Schedule(ctx, "contest.finalize", nil, clk.Now())
	require.NoError(t, err)
	_, err = s.Schedule(ctx, "partnership.finalize", nil, clk.Now())
	require.NoError(t, err)

	require.Equal(t, 2, s.RunPending(ctx))
	require.Equal(t, 0, s.RunPending(ctx))
	require.Equal(t, int32(1), failCalls.Load())
	require.Equal(t, int32(1), panicCalls.Load())

	m := s.opts.Metrics
	require.Equal(t, 1.0, testutil.ToFloat64(m.JobsFired.WithLabelValues("contest.finalize", "fail")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.JobsFired.WithLabelValues("partnership.finalize", "panic")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.JobsScheduled.WithLabelValues("contest.finalize")))
}

func TestJobsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	clk := newClock()

	first := newTestScheduler(t, clk, NewSQLStore(db, "mailings"))
	require.NoError(t, first.Register("mailing.send", func(context.Context, json.RawMessage) error { return nil }))
	_, err := first.Schedule(ctx, "mailing.send", map[string]int{"mailing_id": 7}, clk.Now().Add(time.Minute), WithNamespace("mailings"))
	require.NoError(t, err)

	// The process goes away before the job is due.
	clk.Advance(time.Hour)

	second := newTestScheduler(t, clk, NewSQLStore(db, "mailings"))
	fired := make(chan json.RawMessage, 1)
	require.NoError(t, second.Register("mailing.send", func(_ context.Context, args json.RawMessage) error {
		fired <- args
		return nil
	}))
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() { _ = second.Shutdown(context.Background()) })

	select {
	case args := <-fired:
		require.JSONEq(t, `{"mailing_id":7}`, string(args))
	case <-time.After(5 * time.Second):
		t.Fatal("recovered job did not fire")
	}
}

func TestUnregisteredCallbackIsDropped(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := NewMemoryStore("")
	require.NoError(t, store.Add(ctx, Job{ID: "orphan", Callback: "removed.feature", RunAt: clk.Now()}))

	s := newTestScheduler(t, clk, store)
	require.Equal(t, 1, s.RunPending(ctx))
	exists, err := store.Exists(ctx, "orphan")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestStartTwiceFails(t *testing.T) {
	s := newTestScheduler(t, newClock(), NewMemoryStore(""))
	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestEveryValidates(t *testing.T) {
	s := newTestScheduler(t, newClock(), NewMemoryStore(""))
	require.Error(t, s.Every("purge", 0, func(context.Context) error { return nil }))
	require.NoError(t, s.Every("purge", time.Minute, func(context.Context) error { return nil }))
}

func TestSQLStoreNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	mailings := NewSQLStore(db, "mailings")
	contests := NewSQLStore(db, "contests")
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, mailings.Add(ctx, Job{ID: "a", Callback: "mailing.send", RunAt: now}))
	require.NoError(t, contests.Add(ctx, Job{ID: "b", Callback: "contest.finalize", RunAt: now, Args: json.RawMessage(`{"entity_id":3}`)}))

	due, err := contests.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "b", due[0].ID)
	require.Equal(t, "contests", due[0].Namespace)
	require.JSONEq(t, `{"entity_id":3}`, string(due[0].Args))
	require.True(t, now.Equal(due[0].RunAt))

	exists, err := contests.Exists(ctx, "a")
	require.NoError(t, err)
	require.True(t, exists)

	removed, err := contests.Remove(ctx, "a")
	require.NoError(t, err)
	require.False(t, removed)
	removed, err = mailings.Remove(ctx, "a")
	require.NoError(t, err)
	require.True(t, removed)
}
