// Package hostsim runs the scheduler of an embedded kernel on a workstation.
//
// The kernel keeps its real thread-switching logic. Every hosted thread is
// backed by a goroutine, and the thread emulator makes sure only one of them
// executes hosted code at a time: a switch wakes exactly the thread the
// kernel named and suspends the caller.
//
// # Architecture Overview
//
//	hostsim/
//	├── emulator/          Thread emulator: NewThread, SwapThreads, AbortThread, Cleanup
//	├── table/             Chunked, index-stable slot table with lifecycle events
//	├── errors/            Structured error types
//	├── kernel/            Round-robin demo kernel built on the emulator
//	├── guest/             Kernel threads whose bodies run as WASM (wazero)
//	├── scenario/          TOML-described simulations and their reports
//	├── internal/logging/  CLI logger construction
//	└── cmd/hostsim/       run, watch and inspect commands
//
// # Quick Start
//
// Create an emulator and two threads, then hand the CPU to the first one:
//
//	in := emulator.Init(func(payload any) {
//	    // thread body; switches with in.SwapThreads(next)
//	})
//	a := in.NewThread(payloadA)
//	b := in.NewThread(payloadB)
//	go in.FirstThreadStart(a)
//
// From inside a, in.SwapThreads(b) suspends a and runs b. in.AbortThread
// ends a thread and in.Cleanup releases every goroutine.
//
// # Kernel and Scenarios
//
// The kernel package shows a complete hosted scheduler on top of the
// emulator:
//
//	k, _ := kernel.New(nil)
//	k.Spawn("worker", func(t *kernel.Thread) {
//	    for i := 0; i < 3; i++ {
//	        t.Yield()
//	    }
//	})
//	go k.Boot()
//	<-k.Idle()
//	k.Halt()
//
// Scenario files describe such runs declaratively:
//
//	name = "kill"
//
//	[[thread]]
//	name = "victim"
//	iterations = 0
//
//	[[thread]]
//	name = "killer"
//	iterations = 3
//	kill = "victim"
//	kill_at = 2
//
// and are run with `hostsim run kill.toml` or followed live with
// `hostsim watch kill.toml`.
//
// # Logging
//
// Library packages log through zap and are silent by default. Use
// emulator.SetLogger and kernel.SetLogger, or the Logger fields of their
// Config types. The CLI reads HOSTSIM_LOG_LEVEL and HOSTSIM_LOG_DEVELOPMENT.
package hostsim
