package commands

import (
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/zima/internal/exec"
)

// NewInternalExecuteCommand creates the hidden worker entry point. The
// orchestrator re-invokes its own binary with this command to run one cell
// in an isolated process.
func NewInternalExecuteCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "internal-execute <payload> <output>",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exec.RunWorker(cmd.Context(), args[0], args[1])
		},
	}
}
