package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/outreachflow/outreachflow/eval"
	"github.com/outreachflow/outreachflow/log"
	"github.com/outreachflow/outreachflow/workflow"
)

func newEvalCmd() *cobra.Command {
	var judgeModel string
	var useJudge bool

	cmd := &cobra.Command{
		Use:   "eval <workflow.yaml>",
		Short: "Run a workflow's eval scenarios",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.Load(args[0])
			if err != nil {
				return err
			}

			var judge eval.Judge
			if useJudge {
				apiKey := os.Getenv("OPENAI_API_KEY")
				if apiKey == "" {
					return fmt.Errorf("--judge requires OPENAI_API_KEY")
				}
				judge = eval.NewOpenAIJudge(apiKey, judgeModel)
			}

			runner := eval.NewRunner(judge, log.GetDefaultLogger())
			results, err := runner.RunSuite(cmd.Context(), def)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), eval.Report(results))
			if !eval.Passed(results) {
				return fmt.Errorf("eval suite failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&useJudge, "judge", false, "enable the LLM judge for judge-mode assertions")
	cmd.Flags().StringVar(&judgeModel, "judge-model", "", "judge model (default gpt-4o-mini)")
	return cmd
}
