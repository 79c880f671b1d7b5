package guest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/hostsim/errors"
	"github.com/wippyai/hostsim/kernel"
)

// Config holds configuration for runtime creation
type Config struct {
	// Logger receives instantiation and trap diagnostics.
	Logger *zap.Logger

	// Compiler selects wazero's compiler engine. The interpreter is used
	// otherwise; it starts faster and thread bodies are tiny.
	Compiler bool
}

// Runtime runs kernel threads whose bodies are WASM modules. Every thread
// gets its own module instance; the instances share one host module through
// which they yield to the kernel.
type Runtime struct {
	rt        wazero.Runtime
	compiled  wazero.CompiledModule
	log       *zap.Logger
	ticks     sync.Map // thread id -> *atomic.Int64
	instances atomic.Int64
}

type threadKey struct{}

type guestThread struct {
	t     *kernel.Thread
	limit int
}

// New creates a runtime with the host module instantiated and the thread
// module compiled. A nil cfg selects the defaults.
func New(ctx context.Context, cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	runtimeCfg := wazero.NewRuntimeConfigInterpreter()
	if cfg.Compiler {
		runtimeCfg = wazero.NewRuntimeConfig()
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := &Runtime{
		rt:  wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		log: log.Named("guest"),
	}

	if err := r.instantiateHost(ctx); err != nil {
		_ = r.rt.Close(ctx)
		return nil, errors.Instantiation(errors.PhaseGuest, "host module", err)
	}

	compiled, err := r.rt.CompileModule(ctx, ThreadModule())
	if err != nil {
		_ = r.rt.Close(ctx)
		return nil, errors.Instantiation(errors.PhaseGuest, "compile thread module", err)
	}
	r.compiled = compiled
	return r, nil
}

func (r *Runtime) instantiateHost(ctx context.Context) error {
	i32 := []api.ValueType{api.ValueTypeI32}
	_, err := r.rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(r.tick), i32, i32).
		Export("tick").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(r.yield), nil, nil).
		Export("yield").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(r.exit), nil, nil).
		Export("exit").
		Instantiate(ctx)
	return err
}

// Entry returns a kernel entry that runs the thread module. The thread
// exits from inside WASM after limit ticks; a limit of 0 runs until the
// thread is killed or the kernel halts.
func (r *Runtime) Entry(limit int) kernel.Entry {
	return func(t *kernel.Thread) {
		ctx := context.WithValue(context.Background(), threadKey{}, &guestThread{t: t, limit: limit})

		name := fmt.Sprintf("thread-%d-%d", t.ID(), r.instances.Add(1))
		mod, err := r.rt.InstantiateModule(ctx, r.compiled, wazero.NewModuleConfig().WithName(name))
		if err != nil {
			r.log.Error("instantiate guest thread",
				zap.String("thread", t.Name()),
				zap.Error(errors.Instantiation(errors.PhaseGuest, name, err)))
			return
		}
		// Runs on normal return and when the thread exits inside a host call.
		defer mod.Close(context.Background())

		r.log.Debug("guest thread running", zap.String("thread", t.Name()), zap.String("module", name))

		run := mod.ExportedFunction(RunExport)
		if _, err := run.Call(ctx, api.EncodeI32(int32(t.ID()))); err != nil {
			r.log.Error("guest thread trapped", zap.String("thread", t.Name()), zap.Error(err))
		}
	}
}

// Ticks returns how many times thread id has called tick.
func (r *Runtime) Ticks(id int) int {
	if v, ok := r.ticks.Load(id); ok {
		return int(v.(*atomic.Int64).Load())
	}
	return 0
}

// Close releases the wazero runtime. Call it after the kernel has been
// halted and joined.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

func (r *Runtime) counter(id int) *atomic.Int64 {
	v, _ := r.ticks.LoadOrStore(id, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func threadFrom(ctx context.Context) *guestThread {
	gt, ok := ctx.Value(threadKey{}).(*guestThread)
	if !ok {
		panic(errors.New(errors.PhaseGuest, errors.KindContract).
			Detail("host function called outside a guest thread").
			Build())
	}
	return gt
}

func (r *Runtime) tick(ctx context.Context, _ api.Module, stack []uint64) {
	gt := threadFrom(ctx)
	n := r.counter(int(api.DecodeI32(stack[0]))).Add(1)

	stack[0] = api.EncodeI32(1)
	if gt.limit > 0 && n >= int64(gt.limit) {
		stack[0] = api.EncodeI32(0)
	}
}

func (r *Runtime) yield(ctx context.Context, _ api.Module, _ []uint64) {
	threadFrom(ctx).t.Yield()
}

func (r *Runtime) exit(ctx context.Context, _ api.Module, _ []uint64) {
	gt := threadFrom(ctx)
	r.log.Debug("guest thread exiting", zap.String("thread", gt.t.Name()))
	gt.t.Exit()
}
