// Package table provides the slot arena behind the thread emulator.
//
// Every emulated thread owns one Slot for its whole life. Slots live in a
// Table that grows in fixed-size chunks and never shrinks, so the integer
// index of a slot is a durable handle:
//
//	t := table.New(table.DefaultChunkSize)
//
//	// Claim a slot for a new thread
//	slot := t.Allocate(false, seq, payload)
//	idx := slot.Index()
//
//	// Resolve it later
//	slot, ok := t.Get(idx)
//
// # Slot Lifecycle
//
//	Free -> Active -> AbortRequested -> Aborted
//	                                 -> Failed
//
// Aborted and Failed are terminal. Allocate only claims Free slots unless
// reuse is requested, in which case Aborted slots are claimed as well.
//
// # Gates
//
// Each slot carries a binary gate, closed when the slot is created. Signal
// opens it (a second Signal while open is absorbed), Wait blocks until it is
// open and closes it again. Because the gate latches, a signal sent before
// the waiting goroutine reaches Wait is never lost.
//
// # Observers
//
// Register observers to track slot lifecycle events:
//
//	t.Subscribe(obs) // obs implements OnSlotEvent(table.Event)
//
// Events are delivered synchronously on the goroutine that caused them.
package table
