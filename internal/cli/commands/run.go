package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/zima/internal/config"
	"github.com/leapstack-labs/zima/internal/notebook"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "run <notebook> [cell...]",
		Short: "Run notebook cells from the command line",
		Long: `Execute cells and wait for their results.

Without cell arguments every stale cell runs, in document order. Fresh
cells are skipped unless --force is given.`,
		Example: `  # Bring the whole notebook up to date
  zima run analysis.zima

  # Run two specific cells
  zima run analysis.zima load report

  # Re-run a cell even if its cached result is fresh
  zima run analysis.zima report --force`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			logger := config.GetLogger(cmd.Context())

			path, err := notebookPath(cfg, args[:1])
			if err != nil {
				return err
			}

			nb, err := notebook.Open(notebook.Config{Path: path, Logger: logger})
			if err != nil {
				return err
			}
			defer func() { _ = nb.Close() }()

			targets := args[1:]
			if len(targets) == 0 {
				targets = nb.Def().CellIDs()
			}

			var failed int
			for _, id := range targets {
				st, err := nb.GetCellState(id)
				if err != nil {
					return err
				}
				if st.Fresh() && !force {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: fresh, skipped\n", id)
					continue
				}

				handle, err := nb.Execute(id)
				if err != nil {
					return err
				}
				if err := handle.Wait(); err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: FAILED (%v)\n", id, err)
					fmt.Fprintf(cmd.OutOrStdout(), "  log: %s\n", st.PendingLog)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", id)
			}

			if failed > 0 {
				return fmt.Errorf("%d cell(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Run cells even when their cached result is fresh")

	return cmd
}
