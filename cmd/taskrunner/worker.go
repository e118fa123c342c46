package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/runtime"
)

func newWorkerCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run one task instance attempt over the supervisor protocol",
		Long: `Reads StartupDetails from stdin, runs the task, and writes requests and
the final outcome to the descriptor named in StartupDetails.

Exit codes: 0 once the outcome was reported, 1 when the attempt could not
run, 2 when interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries task output for the supervisor to capture, so
			// the worker's own log goes to stderr.
			a, err := newApp(*cfgFile, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			opts, err := a.runtimeOptions(ctx, os.Stdout)
			if err != nil {
				return err
			}

			ch := comms.NewChannel(os.Stdin, comms.WithLogger(a.logger))
			code := runtime.Main(ctx, runtime.New(ch, opts))
			ch.Close()
			a.Close()
			os.Exit(code)
			return nil
		},
	}
}
