package scenario

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/hostsim/errors"
	"github.com/wippyai/hostsim/guest"
	"github.com/wippyai/hostsim/kernel"
	"github.com/wippyai/hostsim/table"
)

// DefaultJoinTimeout bounds the wait for thread goroutines after a run.
const DefaultJoinTimeout = 5 * time.Second

// Options control a run.
type Options struct {
	Logger *zap.Logger

	// Observer receives slot lifecycle events while the scenario runs.
	Observer table.Observer

	// Started is called once every thread has been spawned, just before
	// boot.
	Started func(k *kernel.Kernel)

	// JoinTimeout overrides DefaultJoinTimeout.
	JoinTimeout time.Duration
}

// ThreadReport is the outcome of one scenario thread.
type ThreadReport struct {
	Name       string
	Kind       Kind
	ID         int
	Seq        int
	Iterations int
	State      table.State
}

// Report is the outcome of a run.
type Report struct {
	Name        string
	Threads     []ThreadReport
	KillErrors  []error
	Duration    time.Duration
	TableLen    int
	Chunks      int
	Interrupted bool
}

// Thread returns the report of the thread named name.
func (r *Report) Thread(name string) (ThreadReport, bool) {
	for _, tr := range r.Threads {
		if tr.Name == name {
			return tr, true
		}
	}
	return ThreadReport{}, false
}

type runState struct {
	ids    map[string]int
	counts map[string]*atomic.Int64

	mu       sync.Mutex
	killErrs []error
}

func (rs *runState) recordKill(err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.killErrs = append(rs.killErrs, err)
}

// Run executes the scenario on a new kernel. It returns when every thread
// has exited, or when ctx is done; in the latter case the report is marked
// interrupted and the error is nil.
func (s *Scenario) Run(ctx context.Context, opts Options) (*Report, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("scenario", s.Name))

	k, err := kernel.New(&kernel.Config{
		Logger:            log,
		ChunkSize:         s.ChunkSize,
		ReuseAbortedSlots: s.ReuseAbortedSlots,
	})
	if err != nil {
		return nil, err
	}
	if opts.Observer != nil {
		k.Emulator().Subscribe(opts.Observer)
	}

	var rt *guest.Runtime
	if s.HasGuests() {
		rt, err = guest.New(ctx, &guest.Config{Logger: log})
		if err != nil {
			k.Halt()
			return nil, err
		}
		defer rt.Close(context.Background())
	}

	rs := &runState{
		ids:    make(map[string]int, len(s.Threads)),
		counts: make(map[string]*atomic.Int64, len(s.Threads)),
	}
	for _, th := range s.Threads {
		rs.counts[th.Name] = new(atomic.Int64)
	}

	for _, th := range s.Threads {
		entry := s.counterEntry(th, rs)
		if th.Kind == KindGuest {
			entry = rt.Entry(th.Iterations)
		}
		id, err := k.Spawn(th.Name, entry)
		if err != nil {
			k.Halt()
			return nil, err
		}
		rs.ids[th.Name] = id
	}

	if opts.Started != nil {
		opts.Started(k)
	}

	log.Info("starting scenario", zap.Int("threads", len(s.Threads)))
	begin := time.Now()
	go k.Boot()

	report := &Report{Name: s.Name}
	select {
	case <-k.Idle():
	case <-ctx.Done():
		report.Interrupted = true
		log.Info("scenario interrupted", zap.Error(ctx.Err()))
	}
	report.Duration = time.Since(begin)

	k.Halt()
	timeout := opts.JoinTimeout
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}
	joinCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := k.Join(joinCtx); err != nil {
		return nil, errors.Wrap(errors.PhaseScenario, errors.KindTimeout, err, "wait for threads")
	}

	kinds := make(map[string]Kind, len(s.Threads))
	for _, th := range s.Threads {
		kinds[th.Name] = th.Kind
	}
	for _, info := range k.Threads() {
		if info.Idle {
			continue
		}
		tr := ThreadReport{
			Name:  info.Name,
			Kind:  kinds[info.Name],
			ID:    info.ID,
			Seq:   info.Seq,
			State: info.State,
		}
		if tr.Kind == KindGuest {
			tr.Iterations = rt.Ticks(info.ID)
		} else {
			tr.Iterations = int(rs.counts[info.Name].Load())
		}
		report.Threads = append(report.Threads, tr)
	}

	rs.mu.Lock()
	report.KillErrors = rs.killErrs
	rs.mu.Unlock()

	emu := k.Emulator()
	report.TableLen = emu.Len()
	report.Chunks = emu.Table().Chunks()

	log.Info("scenario finished",
		zap.Duration("duration", report.Duration),
		zap.Bool("interrupted", report.Interrupted))
	return report, nil
}

func (s *Scenario) counterEntry(th Thread, rs *runState) kernel.Entry {
	return func(t *kernel.Thread) {
		count := rs.counts[th.Name]
		for i := 1; th.Iterations == 0 || i <= th.Iterations; i++ {
			count.Store(int64(i))
			if th.Kill != "" && i == th.KillAt {
				if err := t.Kernel().Kill(rs.ids[th.Kill]); err != nil {
					rs.recordKill(err)
				}
			}
			if s.StepDelay > 0 {
				time.Sleep(s.StepDelay)
			}
			t.Yield()
		}
	}
}
