package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m3rciful/shophost/core/scheduler"
)

type mailingTable struct {
	jobIDs map[int64]string
	err    error
}

func (m *mailingTable) AttachJob(_ context.Context, entityID int64, jobID string) error {
	if m.err != nil {
		return m.err
	}
	m.jobIDs[entityID] = jobID
	return nil
}

func newScheduler(t *testing.T, now func() time.Time) *scheduler.Scheduler {
	t.Helper()
	stores := []scheduler.Store{scheduler.NewMemoryStore("")}
	for _, ns := range Namespaces() {
		stores = append(stores, scheduler.NewMemoryStore(ns))
	}
	s, err := scheduler.New(scheduler.Options{Now: now}, stores...)
	require.NoError(t, err)
	return s
}

func TestBroadcastCancelledBeforeFiring(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	s := newScheduler(t, func() time.Time { return now })

	var sent atomic.Int32
	require.NoError(t, RegisterAll(s, Handlers{
		Broadcast: func(_ context.Context, args BroadcastArgs) error {
			sent.Add(1)
			return nil
		},
	}))

	mailings := &mailingTable{jobIDs: map[int64]string{}}
	jobID, err := ScheduleBroadcast(ctx, s, mailings, BroadcastArgs{BotID: 1, MailingID: 42}, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, jobID, mailings.jobIDs[42])

	require.NoError(t, Cancel(ctx, s, mailings.jobIDs[42]))
	now = now.Add(2 * time.Hour)
	require.Equal(t, 0, s.RunPending(ctx))
	require.Equal(t, int32(0), sent.Load())
}

func TestFinalizeDecodesArgs(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	s := newScheduler(t, func() time.Time { return now })

	got := make(chan FinalizeArgs, 2)
	record := func(_ context.Context, args FinalizeArgs) error {
		got <- args
		return nil
	}
	require.NoError(t, RegisterAll(s, Handlers{FinalizeContest: record, FinalizePartnership: record}))

	_, err := ScheduleContestFinalize(ctx, s, nil, FinalizeArgs{BotID: 1, EntityID: 5}, now)
	require.NoError(t, err)
	_, err = SchedulePartnershipFinalize(ctx, s, nil, FinalizeArgs{BotID: 1, EntityID: 6}, now)
	require.NoError(t, err)

	require.Equal(t, 2, s.RunPending(ctx))
	close(got)
	var ids []int64
	for a := range got {
		require.Equal(t, int64(1), a.BotID)
		ids = append(ids, a.EntityID)
	}
	require.ElementsMatch(t, []int64{5, 6}, ids)
}

func TestAttachFailureCancelsJob(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	s := newScheduler(t, func() time.Time { return now })

	var sent atomic.Int32
	require.NoError(t, RegisterAll(s, Handlers{
		Broadcast: func(context.Context, BroadcastArgs) error { sent.Add(1); return nil },
	}))

	_, err := ScheduleBroadcast(ctx, s, &mailingTable{err: errors.New("mailing deleted")}, BroadcastArgs{MailingID: 1}, now)
	require.Error(t, err)
	require.Equal(t, 0, s.RunPending(ctx))
	require.Equal(t, int32(0), sent.Load())
}

func TestCancelEmptyAndOrphanIDs(t *testing.T) {
	s := newScheduler(t, time.Now)
	require.NoError(t, Cancel(context.Background(), s, ""))
	require.NoError(t, Cancel(context.Background(), s, "owner-was-deleted"))
}

func TestRegisterRejectsBadArgs(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	store := scheduler.NewMemoryStore("")
	s, err := scheduler.New(scheduler.Options{Now: func() time.Time { return now }}, store)
	require.NoError(t, err)

	called := false
	require.NoError(t, Register(s, "typed", func(context.Context, BroadcastArgs) error {
		called = true
		return nil
	}))
	require.NoError(t, store.Add(ctx, scheduler.Job{ID: "x", Callback: "typed", Args: []byte(`"not an object"`), RunAt: now}))
	require.Equal(t, 1, s.RunPending(ctx))
	require.False(t, called)
}
