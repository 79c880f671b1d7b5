package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/wippyai/hostsim/scenario"
)

var (
	flagRunTimeout   time.Duration
	flagRunStepDelay time.Duration
)

func runCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run <scenario.toml>",
		Short: "Run a scenario and print its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, args[0], flagRunTimeout, flagRunStepDelay)
		},
	}

	f := c.Flags()
	f.DurationVar(&flagRunTimeout, "timeout", 0, "Stop the scenario after this long. 0 waits for every thread")
	f.DurationVar(&flagRunStepDelay, "step-delay", 0, "Override the scenario step_delay")
	return c
}

func loadScenario(path string, stepDelay time.Duration) (scenario.Scenario, error) {
	sc, err := scenario.Load(path)
	if err != nil {
		return scenario.Scenario{}, err
	}
	if stepDelay > 0 {
		sc.StepDelay = stepDelay
	}
	return sc, nil
}

// scenarioContext is cancelled on interrupt and, if timeout is set, when
// it expires.
func scenarioContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func runScenario(cmd *cobra.Command, path string, timeout, stepDelay time.Duration) error {
	sc, err := loadScenario(path, stepDelay)
	if err != nil {
		return err
	}

	ctx, cancel := scenarioContext(cmd.Context(), timeout)
	defer cancel()

	report, err := sc.Run(ctx, scenario.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("run %s: %w", path, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderReport(report))
	return nil
}

func renderReport(r *scenario.Report) string {
	rows := make([][]string, 0, len(r.Threads))
	for _, tr := range r.Threads {
		rows = append(rows, []string{
			strconv.Itoa(tr.ID),
			strconv.Itoa(tr.Seq),
			tr.Name,
			string(tr.Kind),
			strconv.Itoa(tr.Iterations),
			tr.State.String(),
		})
	}

	t := ltable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("ID", "UID", "NAME", "KIND", "ITER", "STATE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == ltable.HeaderRow {
				return headerStyle
			}
			if col == 5 && row >= 0 && row < len(rows) {
				return stateStyle(rows[row][5]).Padding(0, 1)
			}
			return cellStyle
		})

	var b strings.Builder
	b.WriteString(titleStyle.Render("hostsim"))
	b.WriteString(" ")
	b.WriteString(r.Name)
	b.WriteString("\n\n")
	b.WriteString(t.Render())
	b.WriteString("\n")
	fmt.Fprintf(&b, "%d threads, table of %d slots in %d chunks, ran for %s",
		len(r.Threads), r.TableLen, r.Chunks, r.Duration.Round(time.Microsecond))
	if r.Interrupted {
		b.WriteString(" ")
		b.WriteString(abortedStyle.Render("(interrupted)"))
	}
	for _, err := range r.KillErrors {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("kill failed: " + err.Error()))
	}
	return b.String()
}
