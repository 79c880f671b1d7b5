package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	btable "github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/hostsim/kernel"
	"github.com/wippyai/hostsim/scenario"
)

const refreshInterval = 100 * time.Millisecond

var (
	flagWatchTimeout   time.Duration
	flagWatchStepDelay time.Duration
)

// isTerminal is replaced in tests.
var isTerminal = func(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

func watchCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "watch <scenario.toml>",
		Short: "Run a scenario while showing the thread table live",
		Long: "Run a scenario while showing the thread table live. " +
			"When stdout is not a terminal this behaves like run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchScenario(cmd, args[0])
		},
	}

	f := c.Flags()
	f.DurationVar(&flagWatchTimeout, "timeout", 0, "Stop the scenario after this long. 0 waits for every thread")
	f.DurationVar(&flagWatchStepDelay, "step-delay", 0, "Override the scenario step_delay")
	return c
}

type runResult struct {
	report *scenario.Report
	err    error
}

func watchScenario(cmd *cobra.Command, path string) error {
	if !isTerminal(os.Stdout.Fd()) {
		logger.Info("stdout is not a terminal, running without the live view")
		return runScenario(cmd, path, flagWatchTimeout, flagWatchStepDelay)
	}

	sc, err := loadScenario(path, flagWatchStepDelay)
	if err != nil {
		return err
	}

	ctx, cancel := scenarioContext(cmd.Context(), flagWatchTimeout)
	defer cancel()

	p := tea.NewProgram(newWatchModel(sc.Name), tea.WithAltScreen())

	results := make(chan runResult, 1)
	go func() {
		report, err := sc.Run(ctx, scenario.Options{
			Logger:  logger,
			Started: func(k *kernel.Kernel) { p.Send(startedMsg{k: k}) },
		})
		p.Send(doneMsg{report: report, err: err})
		results <- runResult{report: report, err: err}
	}()

	if _, err := p.Run(); err != nil {
		logger.Warn("live view failed", zap.Error(err))
	}

	// Quitting the view early stops the scenario.
	cancel()
	res := <-results
	if res.err != nil {
		return fmt.Errorf("run %s: %w", path, res.err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderReport(res.report))
	return nil
}

type startedMsg struct {
	k *kernel.Kernel
}

type doneMsg struct {
	report *scenario.Report
	err    error
}

type tickMsg time.Time

type watchKeys struct {
	Up   key.Binding
	Down key.Binding
	Quit key.Binding
}

func (k watchKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Quit}
}

func (k watchKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var defaultWatchKeys = watchKeys{
	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type watchModel struct {
	k      *kernel.Kernel
	report *scenario.Report
	err    error
	name   string
	keys   watchKeys
	help   help.Model
	table  btable.Model
	done   bool
}

func newWatchModel(name string) *watchModel {
	columns := []btable.Column{
		{Title: "ID", Width: 5},
		{Title: "UID", Width: 5},
		{Title: "NAME", Width: 16},
		{Title: "STATE", Width: 16},
		{Title: "RUN", Width: 4},
	}

	t := btable.New(
		btable.WithColumns(columns),
		btable.WithFocused(true),
		btable.WithHeight(16),
	)
	styles := btable.DefaultStyles()
	styles.Header = styles.Header.Foreground(headerStyle.GetForeground()).Bold(true)
	t.SetStyles(styles)

	return &watchModel{
		name:  name,
		keys:  defaultWatchKeys,
		help:  help.New(),
		table: t,
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *watchModel) Init() tea.Cmd {
	return tick()
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}

	case startedMsg:
		m.k = msg.k
		m.refresh()
		return m, nil

	case tickMsg:
		m.refresh()
		if m.done {
			return m, nil
		}
		return m, tick()

	case doneMsg:
		m.done = true
		m.report = msg.report
		m.err = msg.err
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *watchModel) refresh() {
	if m.k == nil {
		return
	}
	threads := m.k.Threads()
	rows := make([]btable.Row, 0, len(threads))
	for _, th := range threads {
		running := ""
		if th.Running {
			running = "*"
		}
		rows = append(rows, btable.Row{
			strconv.Itoa(th.ID),
			strconv.Itoa(th.Seq),
			th.Name,
			th.State.String(),
			running,
		})
	}
	m.table.SetRows(rows)
}

func (m *watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("hostsim watch"))
	b.WriteString(" ")
	b.WriteString(m.name)
	b.WriteString("\n\n")

	if m.k == nil {
		b.WriteString("Starting scenario...\n")
	} else {
		b.WriteString(m.table.View())
		b.WriteString("\n")
	}

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	case m.done && m.report != nil:
		status := fmt.Sprintf("finished in %s", m.report.Duration.Round(time.Millisecond))
		if m.report.Interrupted {
			status = "interrupted after " + m.report.Duration.Round(time.Millisecond).String()
		}
		b.WriteString(activeStyle.Render(status))
	default:
		b.WriteString(helpStyle.Render("running..."))
	}

	b.WriteString("\n\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}
