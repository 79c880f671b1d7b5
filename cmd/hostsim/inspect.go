package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/wippyai/hostsim/emulator"
	"github.com/wippyai/hostsim/table"
)

var (
	flagInspectThreads   int
	flagInspectChunkSize int
)

func inspectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Create idle threads and print the resulting thread table layout",
		Args:  cobra.NoArgs,
		RunE:  inspectTable,
	}

	f := c.Flags()
	f.IntVar(&flagInspectThreads, "threads", table.DefaultChunkSize+1, "Number of threads to create")
	f.IntVar(&flagInspectChunkSize, "chunk-size", table.DefaultChunkSize, "Table growth increment")
	return c
}

func inspectTable(cmd *cobra.Command, _ []string) error {
	if flagInspectThreads < 0 {
		return fmt.Errorf("--threads must not be negative")
	}

	in, err := emulator.InitWithConfig(func(any) {}, &emulator.Config{
		Logger:    logger,
		ChunkSize: flagInspectChunkSize,
	})
	if err != nil {
		return err
	}

	for i := 0; i < flagInspectThreads; i++ {
		in.NewThread(nil)
	}

	tbl := in.Table()
	used := make([]int, tbl.Chunks())
	for _, info := range in.Snapshot() {
		used[info.Index/tbl.ChunkSize()]++
	}

	rows := make([][]string, 0, len(used))
	for i, n := range used {
		first := i * tbl.ChunkSize()
		rows = append(rows, []string{
			strconv.Itoa(i),
			fmt.Sprintf("%d-%d", first, first+tbl.ChunkSize()-1),
			strconv.Itoa(n),
		})
	}

	t := ltable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("CHUNK", "INDICES", "USED").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == ltable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	in.Cleanup()
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if err := in.Join(ctx); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("thread table"))
	b.WriteString("\n\n")
	b.WriteString(t.Render())
	b.WriteString("\n")
	fmt.Fprintf(&b, "%d threads, %d slots in %d chunks of %d", flagInspectThreads, tbl.Len(), tbl.Chunks(), tbl.ChunkSize())
	fmt.Fprintln(cmd.OutOrStdout(), b.String())
	return nil
}
