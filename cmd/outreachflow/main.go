// Command outreachflow operates workflow definitions: validating them,
// running their eval suites and scheduler loops, and inspecting
// checkpointed threads.
package main

import (
	"fmt"
	"os"

	"github.com/kataras/golog"
	"github.com/spf13/cobra"

	"github.com/outreachflow/outreachflow/log"
)

var verbose bool

func main() {
	logger := log.NewGologLogger(golog.Default)

	root := &cobra.Command{
		Use:           "outreachflow",
		Short:         "Durable outreach workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger.SetLevel(log.LogLevelDebug)
			} else {
				logger.SetLevel(log.LogLevelWarn)
			}
			log.SetDefaultLogger(logger)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newValidateCmd())
	root.AddCommand(newEvalCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newHistoryCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
