// Command chronoflow runs the scheduler service and its tooling.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var flagConfig string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chronoflow",
		Short:        "Calendar-aware job and schedule orchestration",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", os.Getenv("CHRONOFLOW_CONFIG"),
		"YAML config file (or CHRONOFLOW_CONFIG env)")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newNextCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
