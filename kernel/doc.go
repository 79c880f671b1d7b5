// Package kernel is a minimal hosted kernel: a round-robin scheduler whose
// threads run on an emulator instance.
//
// It makes every scheduling decision itself and uses the emulator only to
// carry them out, the way a real embedded kernel ported onto the emulator
// would. An idle thread runs whenever the run queue is empty.
//
//	k, err := kernel.New(nil)
//	if err != nil {
//	    return err
//	}
//	k.Spawn("worker", func(t *kernel.Thread) {
//	    for i := 0; i < 10; i++ {
//	        t.Yield()
//	    }
//	})
//	go k.Boot()
//
//	<-k.Idle() // every spawned thread has exited
//	k.Halt()
//	k.Join(ctx)
//
// Thread methods must be called from the thread itself. Spawn, Kill,
// Threads, Halt and Join may be called from anywhere; Halt and Join must not
// be called from a kernel thread.
package kernel
