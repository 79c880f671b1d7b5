package emulator

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/hostsim/errors"
	"github.com/wippyai/hostsim/table"
)

// AbortThread marks thread id for termination.
//
// If id is the thread currently allowed to run, it keeps running until its
// next SwapThreads call, where it exits instead of blocking. Any other
// active thread is woken and exits without running hosted code again.
// Aborting a thread that is not active is a no-op.
func (in *Instance) AbortThread(id int) {
	s := in.slot(errors.PhaseAbort, id)

	if id == in.CurrentlyAllowed() {
		if s.CompareAndTransition(table.Active, table.AbortRequested) {
			in.log.Debug("thread marked itself as aborting", in.threadFields(s)...)
		}
		return
	}

	if !s.CompareAndTransition(table.Active, table.AbortRequested) {
		return
	}
	in.log.Debug("aborting thread that is not scheduled", in.threadFields(s)...)
	s.Signal()
}

// Cleanup stops the instance: no thread will run hosted code again and
// every blocked thread is woken so its goroutine exits. It must be called
// from a goroutine that is not a thread of this instance.
//
// Cleanup does not wait for the goroutines to finish and leaves the table
// in place, since they may still be on their way out. Call Join to wait.
// Calling Cleanup more than once is harmless.
func (in *Instance) Cleanup() {
	in.terminate.Store(true)
	in.table.Close()

	if !in.released.CompareAndSwap(false, true) {
		return
	}

	var active []*table.Slot
	in.table.Each(func(s *table.Slot) bool {
		if s.State() == table.Active {
			active = append(active, s)
		}
		return true
	})

	for _, s := range active {
		s.Signal()
		in.table.Notify(table.Event{Index: s.Index(), Seq: s.Seq(), State: s.State(), Type: table.EventReleased})
	}
	in.log.Debug("released threads", zap.Int("count", len(active)))
}

// Join waits until the goroutine of every thread ever created has
// returned, or ctx is done. It is meant to follow Cleanup for callers that
// prefer a blocking shutdown; without Cleanup, blocked threads never
// return.
func (in *Instance) Join(ctx context.Context) error {
	var pending []<-chan struct{}
	in.table.Each(func(s *table.Slot) bool {
		if s.State() != table.Free {
			pending = append(pending, s.Exited())
		}
		return true
	})

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrap(errors.PhaseCleanup, errors.KindTimeout, ctx.Err(), "join threads")
		}
	}
	return nil
}
