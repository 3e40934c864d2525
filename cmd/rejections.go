package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
)

// newRejectionsCmd creates the 'rejections' subcommand, which prints the
// rejected rows of the last run as JSON.
func newRejectionsCmd() *cobra.Command {
	var issueType string
	cmd := &cobra.Command{
		Use:   "rejections",
		Short: "List rows rejected by the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			all, err := e.app.Rejections(cmd.Context())
			if err != nil {
				return fmt.Errorf("list rejections: %w", err)
			}
			out := make([]etl.RejectionRecord, 0, len(all))
			for _, rej := range all {
				if issueType == "" || string(rej.IssueType) == issueType {
					out = append(out, rej)
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("print rejections: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&issueType, "issue-type", "", "only show rejections of this type")
	return cmd
}
