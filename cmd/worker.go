package cmd

import (
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs only the worker pool against the shared redis queue",
		Long: `worker consumes tasks from the redis queue without serving HTTP.
Run any number of these next to a "serve" process to scale a crawl out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.RunWorkers(cmd.Context())
		},
	}
}
