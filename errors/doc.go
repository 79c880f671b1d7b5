// Package errors provides structured error types for hostsim.
//
// Errors are categorized by Phase (which operation raised them) and Kind
// (error category). An Error optionally names the slot index involved and
// carries a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseHandoff, errors.KindHostPrimitive).
//		Index(3).
//		Detail("signal gate").
//		Cause(io.ErrClosedPipe).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfBounds(errors.PhaseTable, 70, 64)
//	err := errors.Terminated(errors.PhaseSpawn, "new thread")
//
// Three families are fatal and reported through the emulator's fatal
// handler instead of being returned: programming errors (KindOutOfBounds,
// KindTerminated), resource exhaustion (KindAllocation) and host primitive
// failures (KindHostPrimitive). Error.Fatal reports membership. The
// emulator itself only raises the programming error kinds; the other two
// are available to hosted kernels that report through the same handler.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
