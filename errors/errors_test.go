package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
		absent   []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseHandoff,
				Kind:   KindHostPrimitive,
				Index:  7,
				Detail: "signal gate",
			},
			contains: []string{"[handoff]", "host_primitive", "at slot 7", "signal gate"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseTable,
				Kind:  KindOutOfBounds,
				Index: NoIndex,
			},
			contains: []string{"[table]", "out_of_bounds"},
			absent:   []string{"at slot"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseInit,
				Kind:   KindAllocation,
				Index:  NoIndex,
				Detail: "table full",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[init]", "allocation", "table full", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
			for _, s := range tt.absent {
				if strings.Contains(msg, s) {
					t.Errorf("error message %q should not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(PhaseGuest, KindInstantiation, cause, "instantiate")

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach cause")
	}
}

func TestError_Is(t *testing.T) {
	err := OutOfBounds(PhaseTable, 80, 64)

	if !err.Is(&Error{Phase: PhaseTable, Kind: KindOutOfBounds}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseAbort, Kind: KindOutOfBounds}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhaseTable, Kind: KindAllocation}) {
		t.Error("Is should not match different kind")
	}

	var target *Error
	if !errors.As(err, &target) || target.Index != 80 {
		t.Errorf("errors.As = %v, want index 80", target)
	}
}

func TestError_Fatal(t *testing.T) {
	tests := []struct {
		kind  Kind
		fatal bool
	}{
		{KindOutOfBounds, true},
		{KindTerminated, true},
		{KindAllocation, true},
		{KindHostPrimitive, true},
		{KindContract, false},
		{KindInvalidInput, false},
		{KindNotFound, false},
		{KindInstantiation, false},
		{KindTimeout, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(PhaseHandoff, tt.kind).Build()
			if got := err.Fatal(); got != tt.fatal {
				t.Errorf("Fatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseAbort, KindHostPrimitive).
		Index(4).
		Cause(cause).
		Detail("signal %s", "gate").
		Build()

	if err.Phase != PhaseAbort {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseAbort)
	}
	if err.Kind != KindHostPrimitive {
		t.Errorf("Kind = %v, want %v", err.Kind, KindHostPrimitive)
	}
	if err.Index != 4 {
		t.Errorf("Index = %d, want 4", err.Index)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "signal gate" {
		t.Errorf("Detail = %q, want 'signal gate'", err.Detail)
	}
}

func TestBuilder_DefaultIndex(t *testing.T) {
	err := New(PhaseConfig, KindInvalidInput).Detail("no args").Build()
	if err.Index != NoIndex {
		t.Errorf("Index = %d, want NoIndex", err.Index)
	}
	if err.Detail != "no args" {
		t.Errorf("Detail = %q", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("OutOfBounds", func(t *testing.T) {
		err := OutOfBounds(PhaseTable, 10, 5)
		if err.Kind != KindOutOfBounds || err.Index != 10 {
			t.Errorf("got %+v", err)
		}
		if !strings.Contains(err.Detail, "programming error") {
			t.Errorf("Detail = %q", err.Detail)
		}
	})

	t.Run("AllocationFailed", func(t *testing.T) {
		err := AllocationFailed(PhaseTable, "chunk of 64 slots", nil)
		if err.Kind != KindAllocation {
			t.Errorf("Kind = %v", err.Kind)
		}
		if !strings.Contains(err.Detail, "64") {
			t.Errorf("Detail = %q, should mention size", err.Detail)
		}
	})

	t.Run("Terminated", func(t *testing.T) {
		err := Terminated(PhaseSpawn, "new thread")
		if err.Kind != KindTerminated || !err.Fatal() {
			t.Errorf("got %+v", err)
		}
	})

	t.Run("ContractViolation", func(t *testing.T) {
		err := ContractViolation(2, "start callback returned")
		if err.Kind != KindContract || err.Index != 2 || err.Fatal() {
			t.Errorf("got %+v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		err := NotFound(PhaseScenario, "thread", "worker")
		if !strings.Contains(err.Error(), `thread "worker" not found`) {
			t.Errorf("Error() = %q", err.Error())
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		err := InvalidInput(PhaseConfig, "chunk size must be positive")
		if err.Kind != KindInvalidInput {
			t.Errorf("Kind = %v", err.Kind)
		}
	})
}
