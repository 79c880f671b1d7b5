package table

import (
	"sync"
)

// Table is a growable arena of slots. It grows in fixed-size chunks, never
// shrinks and never compacts, so an index stays valid for the lifetime of
// the table.
type Table struct {
	chunks    [][]Slot
	observers []Observer
	chunkSize int
	closed    bool // guarded by mu
	mu        sync.RWMutex
	obsMu     sync.RWMutex
}

// New creates a table holding one chunk of chunkSize slots. A non-positive
// chunkSize selects DefaultChunkSize.
func New(chunkSize int) *Table {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	t := &Table{chunkSize: chunkSize}
	t.grow()
	return t
}

// grow appends one chunk. Must be called with mu held for writing, or
// before the table is shared.
func (t *Table) grow() int {
	first := len(t.chunks) * t.chunkSize
	chunk := make([]Slot, t.chunkSize)
	for i := range chunk {
		chunk[i].init(t, first+i)
	}
	t.chunks = append(t.chunks, chunk)
	return first
}

// Allocate claims the first Free slot, moving it to Active with the given
// sequence number and payload. With reuse set, Aborted slots are claimed
// too. If no slot qualifies the table grows by one chunk and the first new
// slot is returned. After Close it returns nil.
func (t *Table) Allocate(reuse bool, seq int, payload any) *Slot {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	slot := t.findLocked(reuse, seq, payload)
	grown := -1
	if slot == nil {
		grown = t.grow()
		slot = &t.chunks[len(t.chunks)-1][0]
		slot.claim(Free, seq, payload)
	}
	size := len(t.chunks) * t.chunkSize
	t.mu.Unlock()

	if grown >= 0 {
		t.notify(Event{Index: grown, Seq: size, Type: EventGrown})
	}
	t.notify(Event{Index: slot.index, Seq: seq, State: Active, Type: EventActivated})
	return slot
}

func (t *Table) findLocked(reuse bool, seq int, payload any) *Slot {
	for _, chunk := range t.chunks {
		for i := range chunk {
			s := &chunk[i]
			if s.claim(Free, seq, payload) {
				return s
			}
			if reuse && s.claim(Aborted, seq, payload) {
				return s
			}
		}
	}
	return nil
}

// Close stops further allocation. An Allocate already holding the lock
// completes first, so a walk with Each after Close sees every slot that
// will ever be Active.
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Closed reports whether Close has been called.
func (t *Table) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Get returns the slot at index, or false when index is outside the table.
func (t *Table) Get(index int) (*Slot, bool) {
	if index < 0 {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index >= len(t.chunks)*t.chunkSize {
		return nil, false
	}
	return &t.chunks[index/t.chunkSize][index%t.chunkSize], true
}

// Len returns the number of slots, used or not.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.chunks) * t.chunkSize
}

// Chunks returns how many chunks have been allocated.
func (t *Table) Chunks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.chunks)
}

// ChunkSize returns the growth increment.
func (t *Table) ChunkSize() int {
	return t.chunkSize
}

// Each calls fn for every slot in index order until fn returns false.
// The table cannot grow while Each runs.
func (t *Table) Each(fn func(*Slot) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, chunk := range t.chunks {
		for i := range chunk {
			if !fn(&chunk[i]) {
				return
			}
		}
	}
}

// Count returns the number of slots in state st.
func (t *Table) Count(st State) int {
	n := 0
	t.Each(func(s *Slot) bool {
		if s.State() == st {
			n++
		}
		return true
	})
	return n
}

// Snapshot returns diagnostic copies of every slot that has been used.
func (t *Table) Snapshot() []SlotInfo {
	var out []SlotInfo
	t.Each(func(s *Slot) bool {
		if s.State() != Free {
			out = append(out, s.Info())
		}
		return true
	})
	return out
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Notify delivers an event to every observer.
func (t *Table) Notify(e Event) {
	t.notify(e)
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnSlotEvent(e)
	}
}
