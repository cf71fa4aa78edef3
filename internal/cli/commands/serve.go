// Package commands implements the zima subcommands.
package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/zima/internal/config"
	"github.com/leapstack-labs/zima/internal/notebook"
	"github.com/leapstack-labs/zima/internal/server"
)

// notebookPath resolves the notebook file from the positional argument or
// the configuration.
func notebookPath(cfg *config.Config, args []string) (string, error) {
	path := cfg.Notebook
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return "", fmt.Errorf("no notebook given: pass a file or set notebook in zima.yaml")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("notebook %s: %w", path, err)
	}
	return path, nil
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [notebook]",
		Short: "Serve a notebook over HTTP",
		Long: `Start the notebook web server.

The server prints a login URL carrying the access token. Cells are run on
demand from the browser; the page polls for freshness and results.`,
		Example: `  # Serve a notebook on the default port
  zima serve analysis.zima

  # Bind a different address
  zima serve analysis.zima --host 0.0.0.0 --port 9000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			logger := config.GetLogger(cmd.Context())

			// Command flags override the loaded config.
			if cmd.Flags().Changed("host") {
				cfg.Host, _ = cmd.Flags().GetString("host")
			}
			if cmd.Flags().Changed("port") {
				cfg.Port, _ = cmd.Flags().GetInt("port")
			}
			if cmd.Flags().Changed("watch") {
				cfg.Watch, _ = cmd.Flags().GetBool("watch")
			}
			if cmd.Flags().Changed("token-file") {
				cfg.TokenFile, _ = cmd.Flags().GetString("token-file")
			}

			path, err := notebookPath(cfg, args)
			if err != nil {
				return err
			}

			nb, err := notebook.Open(notebook.Config{Path: path, Logger: logger})
			if err != nil {
				return err
			}
			defer func() { _ = nb.Close() }()

			srv, err := server.NewServer(server.Config{
				Notebook:  nb,
				Host:      cfg.Host,
				Port:      cfg.Port,
				Watch:     cfg.Watch,
				TokenFile: cfg.TokenFile,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Serving %s\nOpen %s\nPress Ctrl+C to stop\n", path, srv.LoginURL())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Serve(ctx)
		},
	}

	cmd.Flags().String("host", "", "Address to bind (default: 127.0.0.1)")
	cmd.Flags().Int("port", 0, "Port to serve on (default: 7400)")
	cmd.Flags().Bool("watch", true, "Reload the notebook when the file changes")
	cmd.Flags().String("token-file", "", "Where the access token is persisted")

	return cmd
}
