// Package jobs defines the delayed job classes of the shop domain on top of
// the generic scheduler: broadcasts and contest/partnership finalization.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/scheduler"
)

// Callback refs. Persisted jobs point at these names; never rename them.
const (
	RefBroadcast           = "mailing.send"
	RefContestFinalize     = "contest.finalize"
	RefPartnershipFinalize = "partnership.finalize"
)

// Job-store namespaces, one per job category.
const (
	NamespaceMailings     = "mailings"
	NamespaceContests     = "contests"
	NamespacePartnerships = "partnerships"
)

// Namespaces lists every namespace the shop domain schedules into.
func Namespaces() []string {
	return []string{NamespaceMailings, NamespaceContests, NamespacePartnerships}
}

// BroadcastArgs identifies the mailing to send.
type BroadcastArgs struct {
	BotID     int64 `json:"bot_id"`
	MailingID int64 `json:"mailing_id"`
}

// FinalizeArgs identifies the contest or partnership to close.
type FinalizeArgs struct {
	BotID    int64 `json:"bot_id"`
	EntityID int64 `json:"entity_id"`
}

// Registrar is the registration side of the scheduler.
type Registrar interface {
	Register(ref string, cb scheduler.Callback) error
}

// Scheduler is the scheduling side of the scheduler.
type Scheduler interface {
	Schedule(ctx context.Context, ref string, args any, runAt time.Time, opts ...scheduler.ScheduleOption) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// Register binds ref to fn with args decoded into T.
func Register[T any](r Registrar, ref string, fn func(ctx context.Context, args T) error) error {
	return r.Register(ref, func(ctx context.Context, raw json.RawMessage) error {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return fmt.Errorf("jobs: decode %s args: %w", ref, err)
			}
		}
		return fn(ctx, args)
	})
}

// Handlers are the business callbacks behind each job class. Nil entries are
// not registered; jobs for them are dropped with an error log when they fire.
type Handlers struct {
	Broadcast           func(ctx context.Context, args BroadcastArgs) error
	FinalizeContest     func(ctx context.Context, args FinalizeArgs) error
	FinalizePartnership func(ctx context.Context, args FinalizeArgs) error
}

// RegisterAll registers every non-nil handler.
func RegisterAll(r Registrar, h Handlers) error {
	if h.Broadcast != nil {
		if err := Register(r, RefBroadcast, h.Broadcast); err != nil {
			return err
		}
	}
	if h.FinalizeContest != nil {
		if err := Register(r, RefContestFinalize, h.FinalizeContest); err != nil {
			return err
		}
	}
	if h.FinalizePartnership != nil {
		if err := Register(r, RefPartnershipFinalize, h.FinalizePartnership); err != nil {
			return err
		}
	}
	return nil
}

// Owner stores a job id on the domain entity that owns the job, such as the
// jobId column of a mailing, so the job can be cancelled later.
type Owner interface {
	AttachJob(ctx context.Context, entityID int64, jobID string) error
}

// OwnerFunc adapts a function to Owner.
type OwnerFunc func(ctx context.Context, entityID int64, jobID string) error

// AttachJob calls f.
func (f OwnerFunc) AttachJob(ctx context.Context, entityID int64, jobID string) error {
	return f(ctx, entityID, jobID)
}

// ScheduleBroadcast schedules a mailing and attaches the job id to it.
func ScheduleBroadcast(ctx context.Context, s Scheduler, owner Owner, args BroadcastArgs, runAt time.Time) (string, error) {
	return scheduleOwned(ctx, s, owner, RefBroadcast, NamespaceMailings, args.MailingID, args, runAt)
}

// ScheduleContestFinalize schedules closing a contest and attaches the job id to it.
func ScheduleContestFinalize(ctx context.Context, s Scheduler, owner Owner, args FinalizeArgs, runAt time.Time) (string, error) {
	return scheduleOwned(ctx, s, owner, RefContestFinalize, NamespaceContests, args.EntityID, args, runAt)
}

// SchedulePartnershipFinalize schedules closing a partnership and attaches the job id to it.
func SchedulePartnershipFinalize(ctx context.Context, s Scheduler, owner Owner, args FinalizeArgs, runAt time.Time) (string, error) {
	return scheduleOwned(ctx, s, owner, RefPartnershipFinalize, NamespacePartnerships, args.EntityID, args, runAt)
}

func scheduleOwned(ctx context.Context, s Scheduler, owner Owner, ref, ns string, entityID int64, args any, runAt time.Time) (string, error) {
	jobID, err := s.Schedule(ctx, ref, args, runAt, scheduler.WithNamespace(ns))
	if err != nil {
		return "", err
	}
	if owner == nil {
		return jobID, nil
	}
	if err := owner.AttachJob(ctx, entityID, jobID); err != nil {
		// A job nobody can find again must not fire.
		if cancelErr := s.Cancel(ctx, jobID); cancelErr != nil {
			logger.Error(ctx, "scheduler", "job.detach",
				slog.String("status", "fail"),
				slog.String("job_id", jobID),
				slog.String("callback", ref),
				slog.String("err", cancelErr.Error()),
			)
		}
		return "", fmt.Errorf("jobs: attach %s job to entity %d: %w", ref, entityID, err)
	}
	return jobID, nil
}

// Cancel cancels jobID. An empty id, or one whose owner was already deleted, is not an error.
func Cancel(ctx context.Context, s Scheduler, jobID string) error {
	if jobID == "" {
		return nil
	}
	return s.Cancel(ctx, jobID)
}
