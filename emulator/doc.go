// Package emulator runs the threads of a hosted kernel on goroutines while
// letting only one of them execute hosted code at a time.
//
// The hosted kernel keeps its own scheduler. Whenever that scheduler
// decides to switch threads, it calls SwapThreads with the index of the
// thread to run next; the caller blocks on its gate and the chosen thread's
// goroutine wakes up. The emulator never picks threads itself.
//
// # Lifecycle
//
//	in := emulator.Init(func(payload any) {
//	    // hosted thread entry point, must never return
//	})
//
//	a := in.NewThread(payloadA) // created, not running
//	b := in.NewThread(payloadB)
//
//	go in.FirstThreadStart(a) // bootstrap: runs a, ends this goroutine
//
//	// later, from inside thread a:
//	in.SwapThreads(b) // a blocks, b runs
//
//	// from a goroutine that is not a hosted thread:
//	in.Cleanup()
//
// FirstThreadStart, and SwapThreads called before any handoff, end the
// calling goroutine with runtime.Goexit. When that goroutine is the main
// goroutine the program keeps running on the hosted threads.
//
// # Cancellation
//
// AbortThread has two paths. A thread aborting itself is only marked; it
// exits inside its next SwapThreads call instead of blocking, so hosted
// code is never interrupted between suspension points. Any other active
// thread is marked and woken, and exits without running hosted code again.
//
// # Shutdown
//
// Cleanup wakes every active thread so its goroutine exits, and returns
// without waiting. The table stays allocated while goroutines may still be
// unwinding; once they are gone the garbage collector reclaims it with the
// Instance. Join is the blocking alternative for callers that need every
// goroutine gone before continuing.
//
// # Errors
//
// Out-of-range indices, NewThread after Cleanup and host primitive
// failures are fatal. They are passed to Config.Fatal, which by default
// logs to stderr and exits the process.
//
// # Thread Safety
//
// NewThread, SwapThreads and FirstThreadStart are meant to be called by the
// one thread currently allowed to run (or by the bootstrap goroutine).
// AbortThread, Cleanup and all accessors may be called from any goroutine.
package emulator
