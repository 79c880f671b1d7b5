// Package scenario loads TOML simulation files and runs them on a kernel.
package scenario

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/wippyai/hostsim/emulator"
	"github.com/wippyai/hostsim/errors"
	"github.com/wippyai/hostsim/kernel"
	"github.com/wippyai/hostsim/table"
)

// DefaultIterations applies to threads that do not set iterations.
const DefaultIterations = 10

// Kind selects what a thread runs.
type Kind string

const (
	// KindCounter threads count iterations in Go and yield after each one.
	KindCounter Kind = "counter"
	// KindGuest threads run the WASM thread module.
	KindGuest Kind = "guest"
)

// Thread describes one kernel thread of a scenario.
type Thread struct {
	Name string
	Kind Kind

	// Iterations is the number of yields before the thread exits. 0 runs
	// until the thread is killed or the scenario stops.
	Iterations int

	// Kill names a thread to kill once this one reaches iteration KillAt.
	Kill   string
	KillAt int
}

// Scenario is a simulation run on a fresh kernel.
type Scenario struct {
	Name              string
	Threads           []Thread
	ChunkSize         int
	ReuseAbortedSlots bool

	// StepDelay is slept by counter threads before each yield, so a run
	// can be followed live.
	StepDelay time.Duration
}

// Default returns an empty scenario with default settings.
func Default() Scenario {
	return Scenario{
		Name:      "scenario",
		ChunkSize: table.DefaultChunkSize,
	}
}

type fileConfig struct {
	Name              string       `toml:"name"`
	ChunkSize         int          `toml:"chunk_size"`
	ReuseAbortedSlots bool         `toml:"reuse_aborted_slots"`
	StepDelay         string       `toml:"step_delay"`
	Threads           []fileThread `toml:"thread"`
}

type fileThread struct {
	Name       string `toml:"name"`
	Kind       string `toml:"kind"`
	Iterations *int   `toml:"iterations"`
	Kill       string `toml:"kill"`
	KillAt     int    `toml:"kill_at"`
}

// Load reads a scenario from a TOML file.
func Load(path string) (Scenario, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Scenario{}, errors.Wrap(errors.PhaseScenario, errors.KindInvalidInput, err, "load "+path)
	}
	return fromFile(raw, meta)
}

// Parse reads a scenario from TOML text.
func Parse(data []byte) (Scenario, error) {
	var raw fileConfig
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return Scenario{}, errors.Wrap(errors.PhaseScenario, errors.KindInvalidInput, err, "parse scenario")
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Scenario, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Scenario{}, errors.New(errors.PhaseScenario, errors.KindInvalidInput).
			Detail("unknown keys: %s", strings.Join(keys, ", ")).
			Build()
	}

	sc := Default()
	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			sc.Name = name
		}
	}
	if meta.IsDefined("chunk_size") {
		sc.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("reuse_aborted_slots") {
		sc.ReuseAbortedSlots = raw.ReuseAbortedSlots
	}
	if meta.IsDefined("step_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StepDelay))
		if err != nil {
			return Scenario{}, errors.Wrap(errors.PhaseScenario, errors.KindInvalidInput, err, "parse step_delay")
		}
		sc.StepDelay = d
	}

	for _, ft := range raw.Threads {
		th := Thread{
			Name:       strings.TrimSpace(ft.Name),
			Kind:       KindCounter,
			Iterations: DefaultIterations,
			Kill:       strings.TrimSpace(ft.Kill),
			KillAt:     ft.KillAt,
		}
		if kind := strings.TrimSpace(ft.Kind); kind != "" {
			th.Kind = Kind(strings.ToLower(kind))
		}
		if ft.Iterations != nil {
			th.Iterations = *ft.Iterations
		}
		sc.Threads = append(sc.Threads, th)
	}
	return sc, nil
}

// Validate reports every problem with the scenario.
func (s *Scenario) Validate() error {
	var err error
	invalid := func(format string, args ...any) {
		err = multierr.Append(err, errors.New(errors.PhaseScenario, errors.KindInvalidInput).
			Detail(format, args...).
			Build())
	}

	if s.ChunkSize < 0 || s.ChunkSize > emulator.MaxChunkSize {
		invalid("chunk_size %d outside [0, %d]", s.ChunkSize, emulator.MaxChunkSize)
	}
	if s.StepDelay < 0 {
		invalid("negative step_delay %s", s.StepDelay)
	}
	if len(s.Threads) == 0 {
		invalid("scenario %q has no threads", s.Name)
	}

	seen := make(map[string]bool, len(s.Threads))
	for _, th := range s.Threads {
		switch {
		case th.Name == "":
			invalid("thread without a name")
		case len(th.Name) > emulator.MaxThreadNameLen:
			invalid("thread name %q longer than %d bytes", th.Name, emulator.MaxThreadNameLen)
		case th.Name == kernel.IdleName:
			invalid("thread name %q is reserved", th.Name)
		case seen[th.Name]:
			invalid("duplicate thread %q", th.Name)
		}
		seen[th.Name] = true

		if th.Kind != KindCounter && th.Kind != KindGuest {
			invalid("thread %q: unknown kind %q", th.Name, th.Kind)
		}
		if th.Iterations < 0 {
			invalid("thread %q: negative iterations", th.Name)
		}
	}

	for _, th := range s.Threads {
		if th.Kill == "" {
			if th.KillAt != 0 {
				invalid("thread %q: kill_at without kill", th.Name)
			}
			continue
		}
		if th.Kind != KindCounter {
			invalid("thread %q: only counter threads can kill", th.Name)
		}
		if th.Kill == th.Name {
			invalid("thread %q kills itself", th.Name)
		}
		if !seen[th.Kill] {
			err = multierr.Append(err, errors.NotFound(errors.PhaseScenario, "kill target", th.Kill))
		}
		if th.KillAt < 1 || (th.Iterations > 0 && th.KillAt > th.Iterations) {
			invalid("thread %q: kill_at %d outside its iterations", th.Name, th.KillAt)
		}
	}
	return err
}

// HasGuests reports whether any thread runs WASM.
func (s *Scenario) HasGuests() bool {
	for _, th := range s.Threads {
		if th.Kind == KindGuest {
			return true
		}
	}
	return false
}
