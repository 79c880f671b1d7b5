package table

// DefaultChunkSize is the number of slots added each time the table grows.
const DefaultChunkSize = 64

// State is the lifecycle state of a slot.
type State int32

const (
	Free State = iota
	Active
	AbortRequested
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Active:
		return "active"
	case AbortRequested:
		return "abort-requested"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Aborted || s == Failed
}

// EventType identifies a slot lifecycle notification.
type EventType uint8

const (
	EventActivated EventType = iota
	EventResumed
	EventSuspended
	EventAbortRequested
	EventAborted
	EventFailed
	EventReleased
	EventGrown
)

func (e EventType) String() string {
	switch e {
	case EventActivated:
		return "activated"
	case EventResumed:
		return "resumed"
	case EventSuspended:
		return "suspended"
	case EventAbortRequested:
		return "abort-requested"
	case EventAborted:
		return "aborted"
	case EventFailed:
		return "failed"
	case EventReleased:
		return "released"
	case EventGrown:
		return "grown"
	}
	return "unknown"
}

// Event describes a slot lifecycle change. For EventGrown, Index is the
// first index of the new chunk and Seq is the new table size.
type Event struct {
	Index int
	Seq   int
	State State
	Type  EventType
}

// Observer receives slot lifecycle events. Events are delivered on the
// goroutine that caused them, so implementations must be safe for
// concurrent use.
type Observer interface {
	OnSlotEvent(Event)
}

// SlotInfo is a point-in-time copy of a slot's diagnostic fields.
type SlotInfo struct {
	Name    string
	Index   int
	Seq     int
	State   State
	Running bool
}
