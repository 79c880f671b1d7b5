package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/hostsim/emulator"
	"github.com/wippyai/hostsim/errors"
	"github.com/wippyai/hostsim/table"
)

// IdleName is the name of the thread that runs when nothing else can.
const IdleName = "idle"

// Entry is the body of a kernel thread. Returning from it exits the thread.
type Entry func(t *Thread)

// Config holds configuration for kernel creation
type Config struct {
	// Logger overrides the package logger. It is also handed to the
	// emulator instance.
	Logger *zap.Logger

	// Fatal is passed through to emulator.Config.Fatal.
	Fatal func(error)

	// ChunkSize is the emulator thread table growth increment.
	ChunkSize int

	// ReuseAbortedSlots is passed through to the emulator. Unsupported.
	ReuseAbortedSlots bool
}

// Thread is a kernel thread. Its methods must only be called from the
// thread itself.
type Thread struct {
	k     *Kernel
	entry Entry
	name  string
	id    int
}

// ID returns the emulator index of the thread.
func (t *Thread) ID() int { return t.id }

// Name returns the name given to Spawn.
func (t *Thread) Name() string { return t.name }

// Kernel returns the kernel that owns the thread.
func (t *Thread) Kernel() *Kernel { return t.k }

// Yield lets the next runnable thread run.
func (t *Thread) Yield() { t.k.Yield() }

// Exit ends the thread. It does not return.
func (t *Thread) Exit() { t.k.Exit() }

// ThreadInfo describes a thread for diagnostics.
type ThreadInfo struct {
	Name    string
	ID      int
	Seq     int
	State   table.State
	Running bool
	Idle    bool
}

// Kernel is a minimal round-robin scheduler running on one emulator
// instance. It decides which thread runs next; the emulator only carries
// out the switch.
type Kernel struct {
	emu     *emulator.Instance
	log     *zap.Logger
	threads map[int]*Thread
	runq    []int
	idle    int

	mu sync.Mutex

	// haltMu makes the terminated check in Spawn and thread creation one
	// step with respect to Halt.
	haltMu sync.Mutex

	kick     chan struct{}
	halt     chan struct{}
	idleCh   chan struct{}
	haltOnce sync.Once
	idleOnce sync.Once
	booted   atomic.Bool
}

// New creates a kernel with its idle thread. A nil cfg selects the
// emulator defaults.
func New(cfg *Config) (*Kernel, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}

	k := &Kernel{
		log:     log.Named("kernel"),
		threads: make(map[int]*Thread),
		kick:    make(chan struct{}, 1),
		halt:    make(chan struct{}),
		idleCh:  make(chan struct{}),
	}

	emu, err := emulator.InitWithConfig(k.start, &emulator.Config{
		Logger:            log,
		Fatal:             cfg.Fatal,
		ChunkSize:         cfg.ChunkSize,
		ReuseAbortedSlots: cfg.ReuseAbortedSlots,
	})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseKernel, errors.KindInvalidInput, err, "create emulator")
	}
	k.emu = emu

	idle := &Thread{k: k, name: IdleName, entry: k.idleLoop}
	k.idle = emu.NewThread(idle)
	idle.id = k.idle
	k.threads[k.idle] = idle
	if err := emu.SetThreadName(k.idle, IdleName); err != nil {
		return nil, err
	}
	return k, nil
}

// Spawn creates a named thread and appends it to the run queue. It may be
// called before Boot, from a running thread, or from any other goroutine
// after Boot.
func (k *Kernel) Spawn(name string, entry Entry) (int, error) {
	if entry == nil {
		return 0, errors.InvalidInput(errors.PhaseKernel, "thread entry is nil")
	}
	if len(name) > emulator.MaxThreadNameLen {
		return 0, errors.New(errors.PhaseKernel, errors.KindInvalidInput).
			Detail("thread name %q longer than %d bytes", name, emulator.MaxThreadNameLen).
			Build()
	}

	k.haltMu.Lock()
	if k.emu.Terminating() {
		k.haltMu.Unlock()
		return 0, errors.New(errors.PhaseKernel, errors.KindTerminated).
			Detail("spawn %q after halt", name).
			Build()
	}
	t := &Thread{k: k, name: name, entry: entry}
	id := k.emu.NewThread(t)
	k.haltMu.Unlock()

	if err := k.emu.SetThreadName(id, name); err != nil {
		return 0, err
	}

	k.mu.Lock()
	t.id = id
	k.threads[id] = t
	k.runq = append(k.runq, id)
	k.mu.Unlock()

	if k.booted.Load() {
		select {
		case k.kick <- struct{}{}:
		default:
		}
	}

	k.log.Debug("spawned thread", zap.String("name", name), zap.Int("id", id))
	return id, nil
}

// Boot starts the first runnable thread and ends the calling goroutine,
// which must not be a kernel thread.
func (k *Kernel) Boot() {
	k.booted.Store(true)
	first := k.pick()
	k.log.Debug("booting", zap.Int("first", first))
	k.emu.FirstThreadStart(first)
}

// Yield switches to the thread after the current one in the run queue. It
// returns immediately if the current thread is the only runnable one.
func (k *Kernel) Yield() {
	self := k.emu.CurrentlyAllowed()

	k.mu.Lock()
	next := k.nextLocked(self)
	k.mu.Unlock()

	if next == self {
		return
	}
	k.emu.SwapThreads(next)
}

// Exit ends the current thread. It does not return.
func (k *Kernel) Exit() {
	self := k.emu.CurrentlyAllowed()

	k.mu.Lock()
	next := k.nextLocked(self)
	k.dequeueLocked(self)
	if next == self {
		next = k.pickLocked()
	}
	k.mu.Unlock()

	k.log.Debug("thread exiting", zap.Int("id", self), zap.Int("next", next))
	k.emu.AbortThread(self)
	k.emu.SwapThreads(next)
}

// Kill removes thread id from the run queue and aborts it. A blocked
// thread exits right away; the current thread exits at its next Yield.
// Killing a thread that already ended is a no-op.
func (k *Kernel) Kill(id int) error {
	if id == k.idle {
		return errors.New(errors.PhaseKernel, errors.KindInvalidInput).
			Index(id).
			Detail("cannot kill the idle thread").
			Build()
	}

	k.mu.Lock()
	t, ok := k.threads[id]
	if ok {
		k.dequeueLocked(id)
	}
	k.mu.Unlock()

	if !ok {
		return errors.New(errors.PhaseKernel, errors.KindNotFound).
			Index(id).
			Detail("no such thread").
			Build()
	}

	k.log.Debug("killing thread", zap.String("name", t.name), zap.Int("id", id))
	k.emu.AbortThread(id)
	return nil
}

// Current returns the thread most recently scheduled, or nil before Boot.
func (k *Kernel) Current() *Thread {
	id := k.emu.CurrentlyAllowed()
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.threads[id]
}

// Lookup returns the thread named name.
func (k *Kernel) Lookup(name string) (*Thread, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, t := range k.threads {
		if t.name == name {
			return t, true
		}
	}
	return nil, false
}

// Threads returns every thread ever spawned, idle included, in index
// order.
func (k *Kernel) Threads() []ThreadInfo {
	snap := k.emu.Snapshot()

	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]ThreadInfo, 0, len(snap))
	for _, s := range snap {
		info := ThreadInfo{
			Name:    s.Name,
			ID:      s.Index,
			Seq:     s.Seq,
			State:   s.State,
			Running: s.Running,
			Idle:    s.Index == k.idle,
		}
		if t, ok := k.threads[s.Index]; ok {
			info.Name = t.name
		}
		out = append(out, info)
	}
	return out
}

// Runnable returns how many threads other than idle are queued.
func (k *Kernel) Runnable() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.runq)
}

// Idle returns a channel closed the first time the idle thread runs, that
// is once every spawned thread has exited.
func (k *Kernel) Idle() <-chan struct{} {
	return k.idleCh
}

// Halt stops the kernel. No thread runs kernel code again and every
// goroutine is released. It must not be called from a kernel thread.
func (k *Kernel) Halt() {
	k.haltMu.Lock()
	k.emu.Cleanup()
	k.haltMu.Unlock()
	k.haltOnce.Do(func() { close(k.halt) })
	k.log.Debug("halted")
}

// Join waits for every thread goroutine to return after Halt.
func (k *Kernel) Join(ctx context.Context) error {
	return k.emu.Join(ctx)
}

// Emulator exposes the underlying emulator instance for diagnostics.
func (k *Kernel) Emulator() *emulator.Instance {
	return k.emu
}

func (k *Kernel) start(payload any) {
	t := payload.(*Thread)
	k.log.Debug("thread started", zap.String("name", t.name), zap.Int("id", t.id))
	t.entry(t)
	k.Exit()
}

// idleLoop hands the CPU to queued threads and otherwise waits for a
// spawn from outside or for Halt.
func (k *Kernel) idleLoop(t *Thread) {
	for {
		if next := k.pick(); next != k.idle {
			k.emu.SwapThreads(next)
			continue
		}

		k.idleOnce.Do(func() { close(k.idleCh) })

		select {
		case <-k.halt:
			// The instance is terminating, so this swap ends the goroutine.
			k.emu.SwapThreads(t.id)
		case <-k.kick:
		}
	}
}

func (k *Kernel) pick() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pickLocked()
}

func (k *Kernel) pickLocked() int {
	if len(k.runq) == 0 {
		return k.idle
	}
	return k.runq[0]
}

func (k *Kernel) nextLocked(self int) int {
	for i, id := range k.runq {
		if id == self {
			return k.runq[(i+1)%len(k.runq)]
		}
	}
	return k.pickLocked()
}

func (k *Kernel) dequeueLocked(id int) {
	for i, q := range k.runq {
		if q == id {
			k.runq = append(k.runq[:i], k.runq[i+1:]...)
			return
		}
	}
}
