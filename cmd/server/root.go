package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd(v string) *cobra.Command {
	root := &cobra.Command{
		Use:   "promptlab",
		Short: "Run prompt card test suites against language models",
		Long: `promptlab queues prompt card test runs, executes them under resource
limits, records every lifecycle event and streams live progress to subscribers.`,
		// Errors are reported once by Execute; usage is noise for runtime failures.
		SilenceUsage: true,
		Version:      v,
	}
	root.SetVersionTemplate(`{{printf "promptlab version %s\n" .Version}}`)

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newVersionCmd(v))
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute(v string) {
	if err := newRootCmd(v).Execute(); err != nil {
		os.Exit(1)
	}
}
