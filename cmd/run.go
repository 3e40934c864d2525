package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRunCmd creates the 'run' subcommand, which rebuilds the warehouse from a
// raw access-log CSV and prints the run report as JSON.
func newRunCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Rebuild the warehouse from a raw access-log CSV",
		Long: `Stages every row of the input CSV, validates it, resolves dimensions,
writes facts and exports the result. Use --input - to read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			path := input
			if path == "" {
				path = e.cfg.Input.Path
			}

			var raw io.Reader = cmd.InOrStdin()
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer func() {
					if cerr := f.Close(); cerr != nil {
						e.logger.Warn("close input failed", zap.Error(cerr))
					}
				}()
				raw = f
			}

			result, err := e.app.Run(cmd.Context(), raw)
			if err != nil {
				return fmt.Errorf("run pipeline: %w", err)
			}
			e.logger.Info("run finished",
				zap.String("run_id", result.RunID),
				zap.Int("accepted", result.Accepted),
				zap.Int("rejected", result.Rejected),
				zap.String("export_uri", result.ExportURI),
			)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("print report: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "raw access-log CSV (defaults to input.path; - for stdin)")
	return cmd
}
