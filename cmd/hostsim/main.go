package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/hostsim/emulator"
	"github.com/wippyai/hostsim/internal/logging"
	"github.com/wippyai/hostsim/kernel"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	flagLogLevel string

	logger = zap.NewNop()
)

func rootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:               "hostsim",
		Short:             "Run hosted kernel threads on the thread emulator",
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}

	c.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"Log level (debug, info, warn, error, off). Overrides "+logging.EnvLogLevel)

	c.AddCommand(
		runCmd(),
		watchCmd(),
		inspectCmd(),
	)

	return c
}

func setupLogging(_ *cobra.Command, _ []string) error {
	cfg := logging.FromEnv()
	if flagLogLevel != "" && !logging.SetLevel(&cfg, flagLogLevel) {
		return fmt.Errorf("unknown log level %q", flagLogLevel)
	}

	logger = logging.New(cfg)
	emulator.SetLogger(logger)
	kernel.SetLogger(logger)
	return nil
}
