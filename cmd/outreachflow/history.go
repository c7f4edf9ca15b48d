package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/outreachflow/outreachflow/store/sqlite"
)

func newHistoryCmd() *cobra.Command {
	var dbPath string
	var full bool

	cmd := &cobra.Command{
		Use:   "history <thread-id>",
		Short: "Dump the checkpoint history of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := sqlite.NewSqliteStore(sqlite.SqliteOptions{Path: dbPath})
			if err != nil {
				return err
			}
			defer st.Close()

			checkpoints, err := st.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(checkpoints) == 0 {
				return fmt.Errorf("thread %s has no checkpoints", args[0])
			}

			for _, cp := range checkpoints {
				marker := ""
				if cp.Interrupted {
					marker = " [interrupted]"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "step %d  %s  source=%s next=%s%s\n",
					cp.Step, cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.Source, cp.Next, marker)
				if full {
					blob, err := json.MarshalIndent(cp.State, "  ", "  ")
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", blob)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "outreachflow.db", "path to the sqlite checkpoint database")
	cmd.Flags().BoolVar(&full, "full", false, "print full state blobs")
	return cmd
}
