package report

import (
	"context"

	"github.com/m3rciful/shophost/core/telegram/sender"
)

// Async hands incidents to the outbound worker queue so slow operator
// channels never hold up the event that failed.
type Async struct {
	queue *sender.Dispatcher
	next  Reporter
}

// NewAsync wraps next with queue.
func NewAsync(queue *sender.Dispatcher, next Reporter) *Async {
	return &Async{queue: queue, next: next}
}

// Report enqueues delivery. A full or closed queue delivers inline.
func (a *Async) Report(ctx context.Context, inc Incident) error {
	detached := context.WithoutCancel(ctx)
	run := func() error { return a.next.Report(detached, inc) }
	if a.queue == nil {
		return run()
	}
	if err := a.queue.Enqueue(detached, "report.incident", inc.Source, run); err != nil {
		return run()
	}
	return nil
}
