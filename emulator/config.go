package emulator

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/hostsim/errors"
	"github.com/wippyai/hostsim/table"
)

// MaxChunkSize bounds Config.ChunkSize.
const MaxChunkSize = 1 << 16

// Config holds configuration for instance creation
type Config struct {
	// Logger overrides the package logger for this instance.
	Logger *zap.Logger

	// Fatal receives programming errors, resource exhaustion and host
	// primitive failures. It must not return; if it does, the calling
	// goroutine panics with the error. Nil selects a handler that logs to
	// stderr and exits the process.
	Fatal func(error)

	// ChunkSize is the number of slots added each time the thread table
	// grows. 0 means table.DefaultChunkSize.
	ChunkSize int

	// ReuseAbortedSlots lets NewThread hand out indices of aborted threads.
	// Unsupported: some hosted kernels are known to misbehave when an
	// index is recycled. Leave it off unless you are investigating that.
	ReuseAbortedSlots bool
}

// DefaultConfig returns the configuration used by Init.
func DefaultConfig() Config {
	return Config{ChunkSize: table.DefaultChunkSize}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var err error
	if c.ChunkSize < 0 {
		err = multierr.Append(err, errors.InvalidInput(errors.PhaseConfig, "chunk size must not be negative"))
	}
	if c.ChunkSize > MaxChunkSize {
		err = multierr.Append(err, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Detail("chunk size %d exceeds %d", c.ChunkSize, MaxChunkSize).
			Build())
	}
	return err
}

func defaultFatal(err error) {
	stderrLogger().Fatal("thread emulator cannot continue", zap.Error(err))
}
