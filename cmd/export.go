package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// newExportCmd creates the 'export' subcommand. It reads the persisted
// warehouse without re-running the pipeline.
func newExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the denormalized warehouse export as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return e.app.WriteExport(cmd.Context(), cmd.OutOrStdout())
			}
			return writeFile(output, func(w io.Writer) error {
				return e.app.WriteExport(cmd.Context(), w)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "destination file (- for stdout)")
	return cmd
}

// writeFile renders into path.tmp and renames it over path once fill succeeds.
func writeFile(path string, fill func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
