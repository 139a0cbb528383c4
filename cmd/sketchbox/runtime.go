package main

import (
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
)

// newRuntimeCommand is the child side of process isolation. The parent
// starts the executable with this command and an empty environment.
func newRuntimeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "runtime",
		Short:  "Serve the runtime protocol on stdin and stdout (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := opts.logLevel
			if level == "" {
				level = "info"
			}
			logger, err := opts.newLogger(config.LogConfig{Level: level})
			if err != nil {
				return err
			}
			defer logger.Sync()

			return sandbox.ServeRuntime(cmd.Context(), opts.stdin, opts.stdout, logger.Component("runtime"))
		},
	}
}
