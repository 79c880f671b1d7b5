package emulator

import (
	"context"
	stderrors "errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/hostsim/errors"
	"github.com/wippyai/hostsim/table"
)

const waitTimeout = 5 * time.Second

type testThread struct {
	body    func()
	started chan struct{}
}

func runTestThread(payload any) {
	tt := payload.(*testThread)
	close(tt.started)
	tt.body()
}

// runningChecker records the highest number of slots seen running at once.
type runningChecker struct {
	mu      sync.Mutex
	running map[int]bool
	max     int
	counts  map[table.EventType]int
}

func newRunningChecker() *runningChecker {
	return &runningChecker{
		running: make(map[int]bool),
		counts:  make(map[table.EventType]int),
	}
}

func (c *runningChecker) OnSlotEvent(e table.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[e.Type]++
	switch e.Type {
	case table.EventResumed:
		c.running[e.Index] = true
	case table.EventSuspended:
		c.running[e.Index] = false
	default:
		return
	}
	n := 0
	for _, r := range c.running {
		if r {
			n++
		}
	}
	if n > c.max {
		c.max = n
	}
}

func (c *runningChecker) maxRunning() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

func (c *runningChecker) count(typ table.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[typ]
}

func newTestInstance(t *testing.T, cfg *Config) (*Instance, *runningChecker) {
	t.Helper()
	in, err := InitWithConfig(runTestThread, cfg)
	if err != nil {
		t.Fatalf("InitWithConfig failed: %v", err)
	}
	chk := newRunningChecker()
	in.Subscribe(chk)
	return in, chk
}

// spawn creates a thread whose body receives its own index.
func spawn(in *Instance, body func(self int)) (int, *testThread) {
	tt := &testThread{started: make(chan struct{})}
	id := in.NewThread(tt)
	tt.body = func() { body(id) }
	return id, tt
}

// park blocks a running thread until release is closed, then lets it exit
// through the emulator. The instance must be terminating by then.
func park(in *Instance, release <-chan struct{}) func(self int) {
	return func(self int) {
		<-release
		in.SwapThreads(self)
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestInit_Defaults(t *testing.T) {
	in := Init(runTestThread)
	if in.Len() != table.DefaultChunkSize {
		t.Fatalf("Len() = %d, want %d", in.Len(), table.DefaultChunkSize)
	}
	if in.CurrentlyAllowed() != NoThread {
		t.Fatalf("CurrentlyAllowed() = %d, want NoThread", in.CurrentlyAllowed())
	}
	if in.Terminating() {
		t.Fatal("new instance should not be terminating")
	}
	in.Cleanup()
}

func TestInitWithConfig_Invalid(t *testing.T) {
	if _, err := InitWithConfig(nil, nil); err == nil {
		t.Fatal("nil start callback should fail")
	}

	_, err := InitWithConfig(runTestThread, &Config{ChunkSize: -1})
	if err == nil {
		t.Fatal("negative chunk size should fail")
	}
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseInit, Kind: errors.KindInvalidInput}) {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := Config{ChunkSize: MaxChunkSize + 1}
	if errs := multierr.Errors(cfg.Validate()); len(errs) != 1 {
		t.Fatalf("Validate() returned %d errors, want 1", len(errs))
	}
}

func TestFirstThreadStart_RunsOnlyTarget(t *testing.T) {
	in, chk := newTestInstance(t, nil)
	release := make(chan struct{})

	a, ta := spawn(in, park(in, release))
	b, tb := spawn(in, park(in, release))

	go in.FirstThreadStart(a)

	waitClosed(t, ta.started, "thread A to start")
	if isClosed(tb.started) {
		t.Fatal("thread B ran without being scheduled")
	}
	if in.CurrentlyAllowed() != a {
		t.Fatalf("CurrentlyAllowed() = %d, want %d", in.CurrentlyAllowed(), a)
	}
	if !in.Running(a) || in.Running(b) {
		t.Fatalf("Running(a)=%v Running(b)=%v", in.Running(a), in.Running(b))
	}

	in.Cleanup()
	close(release)
	waitClosed(t, in.Exited(a), "thread A to exit")
	waitClosed(t, in.Exited(b), "thread B to exit")

	if isClosed(tb.started) {
		t.Fatal("thread B ran during cleanup")
	}
	if chk.maxRunning() > 1 {
		t.Fatalf("%d threads were running at once", chk.maxRunning())
	}
}

func TestSwapThreads_FromUnmanagedGoroutine(t *testing.T) {
	in, _ := newTestInstance(t, nil)
	release := make(chan struct{})
	a, ta := spawn(in, park(in, release))

	var returned atomic.Bool
	callerDone := make(chan struct{})
	go func() {
		defer close(callerDone)
		in.SwapThreads(a)
		returned.Store(true)
	}()

	waitClosed(t, callerDone, "bootstrap goroutine to end")
	waitClosed(t, ta.started, "thread A to start")
	if returned.Load() {
		t.Fatal("SwapThreads returned to an unmanaged caller")
	}
	if in.CurrentlyAllowed() != a {
		t.Fatalf("CurrentlyAllowed() = %d, want %d", in.CurrentlyAllowed(), a)
	}

	in.Cleanup()
	close(release)
	waitClosed(t, in.Exited(a), "thread A to exit")
}

func TestAbortThread_Self(t *testing.T) {
	in, chk := newTestInstance(t, nil)
	release := make(chan struct{})

	var afterSwap atomic.Bool
	var b int
	a, _ := spawn(in, func(self int) {
		in.AbortThread(self)
		if in.State(self) != table.AbortRequested {
			panic("self abort did not mark the thread")
		}
		in.SwapThreads(b)
		afterSwap.Store(true)
	})
	b, tb := spawn(in, park(in, release))

	go in.FirstThreadStart(a)

	waitClosed(t, tb.started, "thread B to start")
	waitClosed(t, in.Exited(a), "thread A to exit")

	if afterSwap.Load() {
		t.Fatal("thread A ran hosted code after its swap")
	}
	if st := in.State(a); st != table.Aborted {
		t.Fatalf("State(a) = %v, want aborted", st)
	}
	if in.Running(a) {
		t.Fatal("aborted thread still flagged running")
	}
	if in.CurrentlyAllowed() != b {
		t.Fatalf("CurrentlyAllowed() = %d, want %d", in.CurrentlyAllowed(), b)
	}

	in.Cleanup()
	close(release)
	waitClosed(t, in.Exited(b), "thread B to exit")

	if chk.maxRunning() > 1 {
		t.Fatalf("%d threads were running at once", chk.maxRunning())
	}
}

func TestAbortThread_Blocked(t *testing.T) {
	in, chk := newTestInstance(t, nil)
	release := make(chan struct{})

	a, _ := spawn(in, park(in, release))
	b, tb := spawn(in, park(in, release))

	in.AbortThread(b)
	waitClosed(t, in.Exited(b), "thread B to exit")

	if isClosed(tb.started) {
		t.Fatal("aborted thread ran its callback")
	}
	if st := in.State(b); st != table.Aborted {
		t.Fatalf("State(b) = %v, want aborted", st)
	}

	in.AbortThread(b)
	if st := in.State(b); st != table.Aborted {
		t.Fatalf("second abort changed state to %v", st)
	}
	if n := chk.count(table.EventAbortRequested); n != 1 {
		t.Fatalf("Expected 1 abort request, got %d", n)
	}

	in.Cleanup()
	close(release)
	waitClosed(t, in.Exited(a), "thread A to exit")
}

func TestAbortThread_CurrentFromOutside(t *testing.T) {
	in, _ := newTestInstance(t, nil)
	proceed := make(chan struct{})
	release := make(chan struct{})

	var afterSwap atomic.Bool
	var b int
	a, ta := spawn(in, func(self int) {
		<-proceed
		in.SwapThreads(b)
		afterSwap.Store(true)
	})
	b, tb := spawn(in, park(in, release))

	go in.FirstThreadStart(a)
	waitClosed(t, ta.started, "thread A to start")

	// Aborting the running thread only marks it.
	in.AbortThread(a)
	if st := in.State(a); st != table.AbortRequested {
		t.Fatalf("State(a) = %v, want abort-requested", st)
	}
	if isClosed(in.Exited(a)) {
		t.Fatal("running thread was terminated outside a swap")
	}

	close(proceed)
	waitClosed(t, tb.started, "thread B to start")
	waitClosed(t, in.Exited(a), "thread A to exit")
	if afterSwap.Load() {
		t.Fatal("thread A resumed after being aborted")
	}
	if st := in.State(a); st != table.Aborted {
		t.Fatalf("State(a) = %v, want aborted", st)
	}

	in.Cleanup()
	close(release)
	waitClosed(t, in.Exited(b), "thread B to exit")
}

func TestRoundRobin_OneRunningAtATime(t *testing.T) {
	in, chk := newTestInstance(t, nil)
	release := make(chan struct{})
	done := make(chan struct{})

	const threads = 3
	const limit = 300

	var order []int
	count := 0
	ids := make([]int, threads)
	for i := range ids {
		next := (i + 1) % threads
		ids[i], _ = spawn(in, func(self int) {
			for {
				order = append(order, self)
				count++
				if count == limit {
					close(done)
					<-release
					in.SwapThreads(self)
				}
				in.SwapThreads(ids[next])
			}
		})
	}

	go in.FirstThreadStart(ids[0])
	waitClosed(t, done, "round robin to finish")

	if len(order) != limit {
		t.Fatalf("Expected %d steps, got %d", limit, len(order))
	}
	for k, id := range order {
		if id != ids[k%threads] {
			t.Fatalf("step %d ran thread %d, want %d", k, id, ids[k%threads])
		}
	}
	if chk.maxRunning() != 1 {
		t.Fatalf("max running = %d, want 1", chk.maxRunning())
	}

	in.Cleanup()
	close(release)
	for _, id := range ids {
		waitClosed(t, in.Exited(id), "thread to exit")
	}
}

func TestNewThread_GrowsTable(t *testing.T) {
	in, _ := newTestInstance(t, &Config{ChunkSize: 64})

	seen := make(map[int]bool)
	var ids []int
	for i := 0; i < 65; i++ {
		id, _ := spawn(in, func(int) {})
		if seen[id] {
			t.Fatalf("id %d returned twice", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if in.Len() != 128 || in.Table().Chunks() != 2 {
		t.Fatalf("Len() = %d, Chunks() = %d", in.Len(), in.Table().Chunks())
	}
	for i, id := range ids {
		if in.State(id) != table.Active {
			t.Fatalf("thread %d state = %v", id, in.State(id))
		}
		if in.UniqueThreadID(id) != i {
			t.Fatalf("UniqueThreadID(%d) = %d, want %d", id, in.UniqueThreadID(id), i)
		}
		if in.Payload(id).(*testThread) == nil {
			t.Fatalf("thread %d lost its payload", id)
		}
	}

	in.Cleanup()
	for _, id := range ids {
		waitClosed(t, in.Exited(id), "thread to exit")
	}
}

func TestNewThread_NoReuseAfterAbort(t *testing.T) {
	in, _ := newTestInstance(t, nil)

	a, _ := spawn(in, func(int) {})
	in.AbortThread(a)
	waitClosed(t, in.Exited(a), "thread A to exit")

	b, _ := spawn(in, func(int) {})
	if b == a {
		t.Fatalf("aborted index %d was reused", a)
	}
	if in.State(a) != table.Aborted {
		t.Fatalf("State(a) = %v after new thread", in.State(a))
	}

	in.Cleanup()
	waitClosed(t, in.Exited(b), "thread B to exit")
}

func TestNewThread_ReuseWhenEnabled(t *testing.T) {
	in, _ := newTestInstance(t, &Config{ReuseAbortedSlots: true})

	a, _ := spawn(in, func(int) {})
	in.AbortThread(a)
	waitClosed(t, in.Exited(a), "thread A to exit")

	b, _ := spawn(in, func(int) {})
	if b != a {
		t.Fatalf("Expected index %d to be reused, got %d", a, b)
	}
	if in.UniqueThreadID(b) != 1 {
		t.Fatalf("UniqueThreadID = %d, want 1", in.UniqueThreadID(b))
	}

	in.Cleanup()
	waitClosed(t, in.Exited(b), "reused thread to exit")
}

func TestCleanup_ReleasesActiveThreads(t *testing.T) {
	in, chk := newTestInstance(t, nil)

	var ids []int
	var started []*testThread
	for i := 0; i < 3; i++ {
		id, tt := spawn(in, func(int) {})
		ids = append(ids, id)
		started = append(started, tt)
	}

	in.Cleanup()
	if !in.Terminating() {
		t.Fatal("Terminating() = false after Cleanup")
	}
	for _, id := range ids {
		waitClosed(t, in.Exited(id), "thread to exit")
	}
	for i, tt := range started {
		if isClosed(tt.started) {
			t.Fatalf("thread %d ran during cleanup", ids[i])
		}
		if in.State(ids[i]) != table.Active {
			t.Fatalf("cleanup changed state of %d to %v", ids[i], in.State(ids[i]))
		}
	}
	if n := chk.count(table.EventReleased); n != 3 {
		t.Fatalf("Expected 3 released events, got %d", n)
	}

	in.Cleanup()
	if n := chk.count(table.EventReleased); n != 3 {
		t.Fatalf("second Cleanup signalled again: %d events", n)
	}
}

func TestJoin(t *testing.T) {
	in, _ := newTestInstance(t, nil)
	for i := 0; i < 4; i++ {
		spawn(in, func(int) {})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err := in.Join(ctx)
	cancel()
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseCleanup, Kind: errors.KindTimeout}) {
		t.Fatalf("Join before Cleanup = %v, want timeout", err)
	}

	in.Cleanup()
	ctx, cancel = context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := in.Join(ctx); err != nil {
		t.Fatalf("Join after Cleanup failed: %v", err)
	}
}

func TestStartCallbackReturn_MarksFailed(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	in, err := InitWithConfig(func(any) {}, &Config{Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("InitWithConfig failed: %v", err)
	}

	a := in.NewThread(nil)
	go in.FirstThreadStart(a)
	waitClosed(t, in.Exited(a), "thread to exit")

	if st := in.State(a); st != table.Failed {
		t.Fatalf("State = %v, want failed", st)
	}
	if in.Running(a) {
		t.Fatal("failed thread still flagged running")
	}
	if n := logs.FilterMessage("start callback returned").Len(); n != 1 {
		t.Fatalf("Expected 1 error log, got %d", n)
	}
	in.Cleanup()
}

func TestFatal_OutOfRange(t *testing.T) {
	var got error
	in, _ := newTestInstance(t, &Config{Fatal: func(err error) { got = err }})

	ops := map[string]func(){
		"abort":     func() { in.AbortThread(1000) },
		"unique id": func() { in.UniqueThreadID(-1) },
		"name":      func() { _ = in.SetThreadName(in.Len(), "x") },
		"swap":      func() { in.SwapThreads(in.Len()) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			got = nil
			r := capturePanic(op)
			if r == nil {
				t.Fatal("Expected the calling goroutine to panic")
			}
			var e *errors.Error
			if !stderrors.As(got, &e) || e.Kind != errors.KindOutOfBounds || !e.Fatal() {
				t.Fatalf("fatal handler got %v", got)
			}
		})
	}
	in.Cleanup()
}

func TestFatal_NewThreadAfterCleanup(t *testing.T) {
	var got error
	in, _ := newTestInstance(t, &Config{Fatal: func(err error) { got = err }})
	in.Cleanup()

	if capturePanic(func() { in.NewThread(nil) }) == nil {
		t.Fatal("Expected NewThread after Cleanup to panic")
	}
	if !stderrors.Is(got, &errors.Error{Phase: errors.PhaseSpawn, Kind: errors.KindTerminated}) {
		t.Fatalf("fatal handler got %v", got)
	}
}

func TestNewThread_RacingCleanup(t *testing.T) {
	const rounds = 200

	for i := 0; i < rounds; i++ {
		in, chk := newTestInstance(t, &Config{Fatal: func(error) { runtime.Goexit() }})

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				in.NewThread(nil)
			}
		}()

		in.Cleanup()
		waitClosed(t, done, "creating goroutine to stop")

		active := in.Table().Count(table.Active)
		if released := chk.count(table.EventReleased); released != active {
			t.Fatalf("round %d: %d active slots but %d released", i, active, released)
		}
		if !in.Table().Closed() {
			t.Fatalf("round %d: table still open after Cleanup", i)
		}

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		err := in.Join(ctx)
		cancel()
		if err != nil {
			t.Fatalf("round %d: Join failed: %v", i, err)
		}
	}
}

func TestLabels_ForgottenOnExit(t *testing.T) {
	in, _ := newTestInstance(t, nil)

	labelCount := func() int {
		n := 0
		in.labels.Range(func(_, _ any) bool {
			n++
			return true
		})
		return n
	}

	release := make(chan struct{})
	b, _ := spawn(in, park(in, release))

	var during int
	a, _ := spawn(in, func(self int) {
		during = labelCount()
		in.AbortThread(self)
		in.SwapThreads(b)
	})
	if err := in.SetThreadName(a, "named"); err != nil {
		t.Fatalf("SetThreadName failed: %v", err)
	}

	go in.FirstThreadStart(a)
	waitClosed(t, in.Exited(a), "thread A to exit")

	if during != 1 {
		t.Fatalf("label entries while running = %d, want 1", during)
	}
	if n := labelCount(); n != 0 {
		t.Fatalf("label entries after exit = %d, want 0", n)
	}

	in.Cleanup()
	close(release)
	waitClosed(t, in.Exited(b), "thread B to exit")
}

func TestFatal_NotLoggedByInstance(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	var got error
	in, err := InitWithConfig(runTestThread, &Config{
		Logger: zap.New(core),
		Fatal:  func(err error) { got = err },
	})
	if err != nil {
		t.Fatalf("InitWithConfig failed: %v", err)
	}

	if capturePanic(func() { in.AbortThread(in.Len()) }) == nil {
		t.Fatal("Expected the calling goroutine to panic")
	}
	if got == nil {
		t.Fatal("fatal handler was not called")
	}
	if n := logs.FilterLevelExact(zap.ErrorLevel).Len(); n != 0 {
		t.Fatalf("instance logged %d error entries, want 0", n)
	}
	in.Cleanup()
}

func TestSetThreadName(t *testing.T) {
	in, _ := newTestInstance(t, nil)
	a, _ := spawn(in, func(int) {})

	if err := in.SetThreadName(a, "main"); err != nil {
		t.Fatalf("SetThreadName failed: %v", err)
	}
	snap := in.Snapshot()
	if len(snap) != 1 || snap[0].Name != "main" || snap[0].Index != a {
		t.Fatalf("Snapshot() = %+v", snap)
	}

	err := in.SetThreadName(a, "a-name-that-is-far-too-long")
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseTable, Kind: errors.KindInvalidInput}) {
		t.Fatalf("long name error = %v", err)
	}

	in.Cleanup()
	waitClosed(t, in.Exited(a), "thread to exit")
}

func TestInstances_AreIndependent(t *testing.T) {
	release := make(chan struct{})
	in1, _ := newTestInstance(t, nil)
	in2, _ := newTestInstance(t, nil)

	spawn(in1, func(int) {})
	a1, t1 := spawn(in1, park(in1, release))
	a2, t2 := spawn(in2, park(in2, release))

	go in1.FirstThreadStart(a1)
	go in2.FirstThreadStart(a2)
	waitClosed(t, t1.started, "instance 1 thread")
	waitClosed(t, t2.started, "instance 2 thread")

	if in1.CurrentlyAllowed() != a1 || in2.CurrentlyAllowed() != a2 {
		t.Fatalf("allowed = %d/%d, want %d/%d", in1.CurrentlyAllowed(), in2.CurrentlyAllowed(), a1, a2)
	}

	in1.Cleanup()
	if in2.Terminating() {
		t.Fatal("cleanup leaked into another instance")
	}
	in2.Cleanup()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := in1.Join(ctx); err != nil {
		t.Fatalf("in1.Join: %v", err)
	}
	if err := in2.Join(ctx); err != nil {
		t.Fatalf("in2.Join: %v", err)
	}
}

func capturePanic(fn func()) (r any) {
	defer func() { r = recover() }()
	fn()
	return nil
}
