package table

import (
	"sync"
	"sync/atomic"
)

// Slot is the control block of one emulated thread. Its address is stable
// for the lifetime of the table, but callers outside the emulator should
// hold indices, not slots.
type Slot struct {
	payload any
	table   *Table
	gate    chan struct{}
	exit    atomic.Pointer[exitLatch]
	name    atomic.Pointer[string]
	index   int
	seq     atomic.Int64
	state   atomic.Int32
	running atomic.Bool
}

type exitLatch struct {
	ch   chan struct{}
	once sync.Once
}

var closedLatch = func() *exitLatch {
	l := &exitLatch{ch: make(chan struct{})}
	close(l.ch)
	return l
}()

func (s *Slot) init(t *Table, index int) {
	s.table = t
	s.index = index
	s.gate = make(chan struct{}, 1)
	s.exit.Store(closedLatch)
}

// claim moves s from one of the allowed states to Active. It must be
// called with the table write lock held.
func (s *Slot) claim(from State, seq int, payload any) bool {
	if !s.state.CompareAndSwap(int32(from), int32(Active)) {
		return false
	}
	s.Drain()
	s.payload = payload
	s.name.Store(nil)
	s.seq.Store(int64(seq))
	s.running.Store(false)
	s.exit.Store(&exitLatch{ch: make(chan struct{})})
	return true
}

// Index returns the slot's position in the table.
func (s *Slot) Index() int {
	return s.index
}

// Seq returns the creation sequence number (diagnostics only).
func (s *Slot) Seq() int {
	return int(s.seq.Load())
}

// Payload returns the opaque value supplied at creation.
func (s *Slot) Payload() any {
	return s.payload
}

func (s *Slot) State() State {
	return State(s.state.Load())
}

// Transition unconditionally moves the slot to st and notifies observers.
func (s *Slot) Transition(st State) {
	s.state.Store(int32(st))
	s.table.notify(Event{Index: s.index, Seq: s.Seq(), State: st, Type: eventFor(st)})
}

// CompareAndTransition moves the slot from old to new only if it is
// currently in old.
func (s *Slot) CompareAndTransition(old, new State) bool {
	if !s.state.CompareAndSwap(int32(old), int32(new)) {
		return false
	}
	s.table.notify(Event{Index: s.index, Seq: s.Seq(), State: new, Type: eventFor(new)})
	return true
}

func (s *Slot) Running() bool {
	return s.running.Load()
}

// SetRunning records whether this slot currently executes hosted code.
func (s *Slot) SetRunning(running bool) {
	s.running.Store(running)
	typ := EventSuspended
	if running {
		typ = EventResumed
	}
	s.table.notify(Event{Index: s.index, Seq: s.Seq(), State: s.State(), Type: typ})
}

func (s *Slot) Name() string {
	if p := s.name.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *Slot) SetName(name string) {
	s.name.Store(&name)
}

// Signal opens the gate. A gate that is already open absorbs the signal.
func (s *Slot) Signal() {
	select {
	case s.gate <- struct{}{}:
	default:
	}
}

// Wait blocks until the gate is open and closes it again.
func (s *Slot) Wait() {
	<-s.gate
}

// Drain closes the gate without blocking and reports whether it was open.
func (s *Slot) Drain() bool {
	select {
	case <-s.gate:
		return true
	default:
		return false
	}
}

// Exited returns a channel closed once the slot's goroutine has returned.
// For a slot that never ran a goroutine the channel is already closed.
func (s *Slot) Exited() <-chan struct{} {
	return s.exit.Load().ch
}

// MarkExited closes the exit channel. Safe to call more than once.
func (s *Slot) MarkExited() {
	s.ExitFunc()()
}

// ExitFunc returns a function that closes the exit channel of the current
// claim. A goroutine should take it before it can be aborted, so a later
// claim of the same slot is not marked by the old goroutine.
func (s *Slot) ExitFunc() func() {
	l := s.exit.Load()
	return func() {
		l.once.Do(func() {
			if l != closedLatch {
				close(l.ch)
			}
		})
	}
}

// Info returns a snapshot of the slot's diagnostic fields.
func (s *Slot) Info() SlotInfo {
	return SlotInfo{
		Name:    s.Name(),
		Index:   s.index,
		Seq:     s.Seq(),
		State:   s.State(),
		Running: s.Running(),
	}
}

func eventFor(st State) EventType {
	switch st {
	case Active:
		return EventActivated
	case AbortRequested:
		return EventAbortRequested
	case Aborted:
		return EventAborted
	case Failed:
		return EventFailed
	}
	return EventReleased
}
