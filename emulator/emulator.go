package emulator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/hostsim/errors"
	"github.com/wippyai/hostsim/table"
)

// NoThread is the value of CurrentlyAllowed before the first handoff.
const NoThread = -1

// MaxThreadNameLen is the longest name SetThreadName accepts.
const MaxThreadNameLen = 15

// StartFunc is called once per thread, on that thread's goroutine, the first
// time the thread is swapped in. It must never return.
type StartFunc func(payload any)

// Instance is one thread emulator, normally one per simulated CPU.
type Instance struct {
	table   *table.Table
	start   StartFunc
	log     *zap.Logger
	fatal   func(error)
	labels  sync.Map // thread seq -> name last applied as pprof label
	current atomic.Int64
	created atomic.Int64
	reuse   bool

	terminate atomic.Bool
	released  atomic.Bool
}

// Init creates an instance with the default configuration. A nil start
// callback is a programming error and is fatal.
func Init(start StartFunc) *Instance {
	in, err := InitWithConfig(start, nil)
	if err != nil {
		defaultFatal(err)
		panic(err)
	}
	return in
}

// InitWithConfig creates an instance with custom configuration. A nil
// cfg selects DefaultConfig.
func InitWithConfig(start StartFunc, cfg *Config) (*Instance, error) {
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	if start == nil {
		return nil, errors.InvalidInput(errors.PhaseInit, "start callback is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.PhaseInit, errors.KindInvalidInput, err, "invalid config")
	}

	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	fatal := cfg.Fatal
	if fatal == nil {
		fatal = defaultFatal
	}

	in := &Instance{
		table: table.New(cfg.ChunkSize),
		start: start,
		log:   log.Named("emulator"),
		fatal: fatal,
		reuse: cfg.ReuseAbortedSlots,
	}
	in.current.Store(NoThread)

	if in.reuse {
		in.log.Warn("aborted slot reuse enabled; this mode is unsupported")
	}
	return in, nil
}

// fail hands a fatal error to the handler, which does the logging. It does
// not return.
func (in *Instance) fail(err *errors.Error) {
	in.fatal(err)
	panic(err)
}

// slot resolves an index, treating an out-of-range index as fatal.
func (in *Instance) slot(phase errors.Phase, index int) *table.Slot {
	s, ok := in.table.Get(index)
	if !ok {
		in.fail(errors.OutOfBounds(phase, index, in.table.Len()))
	}
	return s
}

// UniqueThreadID returns the creation sequence number of thread id. It is
// unique for the run and only meant for diagnostics.
func (in *Instance) UniqueThreadID(id int) int {
	return in.slot(errors.PhaseTable, id).Seq()
}

// SetThreadName attaches a diagnostic name to thread id. The name is
// applied as a pprof goroutine label the next time the thread resumes.
func (in *Instance) SetThreadName(id int, name string) error {
	s := in.slot(errors.PhaseTable, id)
	if len(name) > MaxThreadNameLen {
		return errors.New(errors.PhaseTable, errors.KindInvalidInput).
			Index(id).
			Detail("thread name %q longer than %d bytes", name, MaxThreadNameLen).
			Build()
	}
	s.SetName(name)
	return nil
}

// CurrentlyAllowed returns the index of the thread most recently swapped
// in, or NoThread.
func (in *Instance) CurrentlyAllowed() int {
	return int(in.current.Load())
}

// State returns the lifecycle state of thread id.
func (in *Instance) State(id int) table.State {
	return in.slot(errors.PhaseTable, id).State()
}

// Running reports whether thread id is executing hosted code.
func (in *Instance) Running(id int) bool {
	return in.slot(errors.PhaseTable, id).Running()
}

// Payload returns the value passed to NewThread for thread id.
func (in *Instance) Payload(id int) any {
	return in.slot(errors.PhaseTable, id).Payload()
}

// Exited returns a channel closed once the goroutine of thread id has
// fully returned.
func (in *Instance) Exited(id int) <-chan struct{} {
	return in.slot(errors.PhaseTable, id).Exited()
}

// Len returns the table size, including unused slots.
func (in *Instance) Len() int {
	return in.table.Len()
}

// Terminating reports whether Cleanup has been called.
func (in *Instance) Terminating() bool {
	return in.terminate.Load()
}

// Snapshot returns the diagnostic state of every used slot.
func (in *Instance) Snapshot() []table.SlotInfo {
	return in.table.Snapshot()
}

// Subscribe registers an observer for slot lifecycle events.
func (in *Instance) Subscribe(o table.Observer) {
	in.table.Subscribe(o)
}

// Unsubscribe removes an observer.
func (in *Instance) Unsubscribe(o table.Observer) {
	in.table.Unsubscribe(o)
}

// Table exposes the slot table for diagnostics.
func (in *Instance) Table() *table.Table {
	return in.table
}

func (in *Instance) threadFields(s *table.Slot) []zap.Field {
	return []zap.Field{
		zap.Int("index", s.Index()),
		zap.Int("seq", s.Seq()),
	}
}

func labelsFor(s *table.Slot, name string) context.Context {
	kv := []string{"hostsim.slot", strconv.Itoa(s.Index()), "hostsim.seq", strconv.Itoa(s.Seq())}
	if name != "" {
		kv = append(kv, "hostsim.name", name)
	}
	return withLabels(kv...)
}
