package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/weblog-dwh/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which exposes the warehouse over
// HTTP until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the warehouse HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return server.New(e.app, e.cfg.Server, e.logger).Run(cmd.Context())
		},
	}
}
