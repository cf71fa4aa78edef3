package commands

import (
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/zima/internal/config"
	"github.com/leapstack-labs/zima/internal/notebook"
)

// NewStateCommand creates the state command.
func NewStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <notebook>",
		Short: "Show per-cell freshness and variables",
		Long: `Print the tracked state of every cell: whether its cached result
is still valid, when it last ran, and the variables it owns.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			logger := config.GetLogger(cmd.Context())

			path, err := notebookPath(cfg, args)
			if err != nil {
				return err
			}

			nb, err := notebook.Open(notebook.Config{Path: path, Logger: logger})
			if err != nil {
				return err
			}
			defer func() { _ = nb.Close() }()

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Cell", "Dialect", "Status", "Last Refresh", "Variables"})

			def := nb.Def()
			for _, id := range def.Order {
				st, err := nb.GetCellState(id)
				if err != nil {
					return err
				}

				dialect := def.Cell(id).Dialect
				if dialect == "" {
					dialect = "starlark"
				}

				t.AppendRow(table.Row{
					id,
					dialect,
					statusLabel(st),
					refreshLabel(st.LastRefresh),
					varsLabel(st.VarHashes),
				})
			}

			t.Render()
			return nil
		},
	}

	return cmd
}

func statusLabel(st *notebook.CellState) string {
	if st.Running {
		return "running"
	}
	if st.LastRefreshFailed {
		return "failed"
	}
	if st.Fresh() {
		return "fresh"
	}

	var why []string
	if !st.PreambleFresh {
		why = append(why, "preamble")
	}
	if !st.CodeFresh {
		why = append(why, "code")
	}
	if !st.DepFresh {
		why = append(why, "deps")
	}
	return "stale (" + strings.Join(why, ", ") + ")"
}

func refreshLabel(ts *time.Time) string {
	if ts == nil {
		return "never"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

func varsLabel(vars map[string]string) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
