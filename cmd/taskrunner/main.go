// Command taskrunner runs task instances: as a worker speaking the
// supervisor protocol on stdin, as a one-shot supervisor, or as an HTTP
// service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set with -ldflags at build time.
var version = "dev"

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "taskrunner",
		Short:         "Execute workflow task instances under a supervisor",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (env TASKRUNNER_* overrides it)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(
		newWorkerCmd(&cfgFile),
		newRunCmd(&cfgFile),
		newServeCmd(&cfgFile),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
