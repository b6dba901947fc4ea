package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newCrawlCmd crawls one category in-process and writes its CSV.
func newCrawlCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "crawl <category>",
		Short: "Crawls a single category and writes its CSV export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			exp, err := appInstance.Collect(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("crawl %q: %w", args[0], err)
			}
			if output == "" || output == "-" {
				if _, err := cmd.OutOrStdout().Write(exp.Data); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				return nil
			}
			if err := os.WriteFile(output, exp.Data, 0o600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", output, len(exp.Data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write the CSV to (default stdout)")
	return cmd
}
