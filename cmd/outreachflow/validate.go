package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/outreachflow/outreachflow/workflow"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>...",
		Short: "Validate workflow definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := false
			for _, path := range args {
				def, err := workflow.Load(path)
				if err != nil {
					failed = true
					fmt.Fprintf(cmd.OutOrStdout(), "✗ %s: %v\n", path, err)
					continue
				}
				topology := "legacy"
				if def.Graph != nil {
					topology = fmt.Sprintf("%d nodes", len(def.Graph.Nodes))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %s (%s)\n", path, def.Name, topology)
			}
			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
}
