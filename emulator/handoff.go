package emulator

import (
	"context"
	"runtime"
	"runtime/pprof"

	"go.uber.org/zap"

	"github.com/wippyai/hostsim/errors"
	"github.com/wippyai/hostsim/table"
)

// NewThread creates a thread for payload and returns its index. The thread
// does not run until it is swapped in with SwapThreads or FirstThreadStart.
func (in *Instance) NewThread(payload any) int {
	if in.terminate.Load() {
		in.fail(errors.Terminated(errors.PhaseSpawn, "new thread"))
	}

	seq := int(in.created.Add(1) - 1)
	s := in.table.Allocate(in.reuse, seq, payload)
	if s == nil {
		// Cleanup closed the table after the check above.
		in.fail(errors.Terminated(errors.PhaseSpawn, "new thread"))
	}

	go in.run(s)

	in.log.Debug("created thread", in.threadFields(s)...)
	return s.Index()
}

// run is the body of every thread goroutine.
func (in *Instance) run(s *table.Slot) {
	defer s.ExitFunc()()
	defer in.labels.Delete(s.Seq())

	pprof.SetGoroutineLabels(labelsFor(s, ""))

	// Cleanup may have happened before this goroutine got scheduled.
	if in.terminate.Load() {
		return
	}

	in.waitUntilAllowed(s)

	in.start(s.Payload())

	in.log.Error("start callback returned",
		append(in.threadFields(s), zap.Error(errors.ContractViolation(s.Index(), "start callback returned")))...)
	s.SetRunning(false)
	s.Transition(table.Failed)
}

// SwapThreads lets thread next run and blocks the calling thread until it
// is swapped in again. It returns only in that case.
//
// Called from a goroutine that is not a thread of this instance (before the
// first handoff), it behaves like FirstThreadStart. If the calling thread
// has been marked for abort, it exits instead of blocking.
func (in *Instance) SwapThreads(next int) {
	target := in.slot(errors.PhaseHandoff, next)

	self := in.CurrentlyAllowed()
	var s *table.Slot
	if self != NoThread {
		s = in.slot(errors.PhaseHandoff, self)
		s.SetRunning(false)
	}

	in.letRun(target)

	if s == nil {
		in.log.Debug("swap from unmanaged goroutine, exiting it", zap.Int("next", next))
		runtime.Goexit()
	}

	if s.State() == table.AbortRequested {
		in.abortTail(s)
	}
	in.waitUntilAllowed(s)
}

// FirstThreadStart lets thread id run and terminates the calling goroutine,
// which must not be a thread of this instance.
func (in *Instance) FirstThreadStart(id int) {
	in.letRun(in.slot(errors.PhaseHandoff, id))
	in.log.Debug("init goroutine exiting after first handoff", zap.Int("next", id))
	runtime.Goexit()
}

func (in *Instance) letRun(target *table.Slot) {
	if st := target.State(); st != table.Active {
		in.log.Warn("swapping to a thread that is not active",
			append(in.threadFields(target), zap.Stringer("state", st))...)
	}
	in.current.Store(int64(target.Index()))
	target.Signal()
}

// waitUntilAllowed parks the calling goroutine on its gate. It returns
// only when the thread may run hosted code again.
func (in *Instance) waitUntilAllowed(s *table.Slot) {
	s.Wait()

	if in.terminate.Load() {
		runtime.Goexit()
	}
	if s.State() == table.AbortRequested {
		in.abortTail(s)
	}

	s.SetRunning(true)
	in.applyLabels(s)
}

// abortTail finishes a thread whose abort was requested. It does not
// return.
func (in *Instance) abortTail(s *table.Slot) {
	in.log.Debug("thread aborting", in.threadFields(s)...)
	s.Transition(table.Aborted)
	runtime.Goexit()
}

func (in *Instance) applyLabels(s *table.Slot) {
	name := s.Name()
	if name == "" {
		return
	}
	if prev, ok := in.labels.Load(s.Seq()); ok && prev == name {
		return
	}
	pprof.SetGoroutineLabels(labelsFor(s, name))
	in.labels.Store(s.Seq(), name)
}

func withLabels(kv ...string) context.Context {
	return pprof.WithLabels(context.Background(), pprof.Labels(kv...))
}
