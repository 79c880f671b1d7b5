package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which part of the emulator raised the error
type Phase string

const (
	PhaseInit     Phase = "init"     // instance construction
	PhaseTable    Phase = "table"    // slot table growth and lookup
	PhaseSpawn    Phase = "spawn"    // thread creation
	PhaseHandoff  Phase = "handoff"  // swap / first start
	PhaseAbort    Phase = "abort"    // cancellation
	PhaseCleanup  Phase = "cleanup"  // shutdown
	PhaseConfig   Phase = "config"   // configuration validation
	PhaseKernel   Phase = "kernel"   // hosted kernel
	PhaseGuest    Phase = "guest"    // WASM thread bodies
	PhaseScenario Phase = "scenario" // scenario files
)

// Kind categorizes the error
type Kind string

const (
	KindOutOfBounds   Kind = "out_of_bounds"
	KindAllocation    Kind = "allocation"
	KindHostPrimitive Kind = "host_primitive"
	KindTerminated    Kind = "terminated"
	KindContract      Kind = "contract"
	KindInvalidInput  Kind = "invalid_input"
	KindNotFound      Kind = "not_found"
	KindInstantiation Kind = "instantiation"
	KindTimeout       Kind = "timeout"
)

// NoIndex marks an error that is not tied to a slot.
const NoIndex = -1

// Error is the structured error type used throughout hostsim
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Index  int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Index >= 0 {
		b.WriteString(" at slot ")
		fmt.Fprintf(&b, "%d", e.Index)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Fatal reports whether the error belongs to one of the unrecoverable
// families: programming errors, resource exhaustion and host primitive
// failures.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindOutOfBounds, KindTerminated, KindAllocation, KindHostPrimitive:
		return true
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
			Index: NoIndex,
		},
	}
}

// Index sets the slot index the error refers to
func (b *Builder) Index(idx int) *Builder {
	b.err.Index = idx
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// OutOfBounds creates a programming error for an index outside the table
func OutOfBounds(phase Phase, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Index:  index,
		Detail: fmt.Sprintf("programming error, index %d out of bounds (table size %d)", index, length),
	}
}

// AllocationFailed creates a resource exhaustion error.
// The emulator never raises it: goroutine and channel creation do not
// report failure in Go. It is kept for hosted kernels that classify their
// own failures through Config.Fatal.
func AllocationFailed(phase Phase, what string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Index:  NoIndex,
		Detail: fmt.Sprintf("cannot allocate %s", what),
		Cause:  cause,
	}
}

// HostPrimitive creates a host primitive failure error.
// Like AllocationFailed it is reserved for hosted kernels; gate signalling
// and waiting cannot fail.
func HostPrimitive(phase Phase, index int, op string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindHostPrimitive,
		Index:  index,
		Detail: op,
		Cause:  cause,
	}
}

// Terminated creates an error for use of an instance after cleanup
func Terminated(phase Phase, op string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTerminated,
		Index:  NoIndex,
		Detail: fmt.Sprintf("%s after cleanup", op),
	}
}

// ContractViolation creates an error for a start callback that returned
func ContractViolation(index int, detail string) *Error {
	return &Error{
		Phase:  PhaseHandoff,
		Kind:   KindContract,
		Index:  index,
		Detail: detail,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Index:  NoIndex,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Index:  NoIndex,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Instantiation creates an instantiation error
func Instantiation(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInstantiation,
		Index:  NoIndex,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Index:  NoIndex,
		Detail: detail,
		Cause:  cause,
	}
}
