package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/outreachflow/outreachflow/workflow"
)

// Check is one verification outcome.
type Check struct {
	Name   string
	Passed bool
	Detail string
}

// verify evaluates every expectation in the scenario; a scenario passes
// only when all checks pass.
func (r *Runner) verify(ctx context.Context, def *workflow.Definition, expected workflow.Expectation, result *RunResult) []Check {
	var checks []Check

	if len(expected.NodeSequence) > 0 {
		checks = append(checks, checkNodeSequence(expected.NodeSequence, result.NodeSequence))
	}
	if len(expected.FinalState) > 0 {
		checks = append(checks, checkFinalState(expected.FinalState, result)...)
	}
	if expected.RecordStatus != "" {
		checks = append(checks, checkRecordStatus(expected.RecordStatus, result))
	}
	for _, tc := range expected.ToolsCalled {
		checks = append(checks, r.checkToolCall(ctx, def, tc, result.ToolCalls))
	}
	for _, lr := range expected.LLMResponses {
		checks = append(checks, checkLLMResponse(lr, result.AssistantByNode))
	}
	return checks
}

func checkNodeSequence(expected, actual []string) Check {
	c := Check{Name: "nodeSequence", Passed: reflect.DeepEqual(expected, actual)}
	if !c.Passed {
		c.Detail = fmt.Sprintf("expected %v, got %v", expected, actual)
	}
	return c
}

// checkFinalState deep-compares each listed key against the final snapshot
// through its JSON form, so YAML-sourced numbers and structs compare
// uniformly.
func checkFinalState(expected map[string]any, result *RunResult) []Check {
	snapshot, err := toJSONMap(result.Final)
	if err != nil {
		return []Check{{Name: "finalState", Detail: fmt.Sprintf("snapshot not serializable: %v", err)}}
	}

	checks := make([]Check, 0, len(expected))
	for key, want := range expected {
		name := "finalState." + key
		got, ok := snapshot[key]
		if !ok {
			checks = append(checks, Check{Name: name, Detail: "key absent in final state"})
			continue
		}
		wantNorm, err := normalize(want)
		if err != nil {
			checks = append(checks, Check{Name: name, Detail: fmt.Sprintf("expected value not serializable: %v", err)})
			continue
		}
		c := Check{Name: name, Passed: reflect.DeepEqual(wantNorm, got)}
		if !c.Passed {
			c.Detail = fmt.Sprintf("expected %v, got %v", wantNorm, got)
		}
		checks = append(checks, c)
	}
	return checks
}

func checkRecordStatus(expected string, result *RunResult) Check {
	c := Check{Name: "record.status"}
	if result.Final == nil || result.Final.Record == nil {
		c.Detail = "no record in final state"
		return c
	}
	got := string(result.Final.Record.Status)
	c.Passed = got == expected
	if !c.Passed {
		c.Detail = fmt.Sprintf("expected %s, got %s", expected, got)
	}
	return c
}

// checkToolCall requires at least one recorded call with the expected name
// whose arguments satisfy the match mode.
func (r *Runner) checkToolCall(ctx context.Context, def *workflow.Definition, expected workflow.ExpectedToolCall, calls []RecordedCall) Check {
	c := Check{Name: "toolsCalled." + expected.Name}

	var candidates []RecordedCall
	for _, call := range calls {
		if call.Name == expected.Name {
			candidates = append(candidates, call)
		}
	}
	if len(candidates) == 0 {
		c.Detail = "tool was never called"
		return c
	}
	if len(expected.Args) == 0 {
		c.Passed = true
		return c
	}

	switch expected.MatchMode {
	case workflow.MatchJudge:
		return r.judgeToolCall(ctx, def, expected, candidates)
	default:
		for _, call := range candidates {
			if argsEqual(expected.Args, call.Args) {
				c.Passed = true
				return c
			}
		}
		c.Detail = fmt.Sprintf("no call matched args %v", expected.Args)
		return c
	}
}

func (r *Runner) judgeToolCall(ctx context.Context, def *workflow.Definition, expected workflow.ExpectedToolCall, candidates []RecordedCall) Check {
	c := Check{Name: "toolsCalled." + expected.Name}
	if r.judge == nil {
		c.Detail = "judge mode requested but no judge configured"
		return c
	}

	background := ""
	if def.Evals != nil {
		background = def.Evals.Context
	}
	for _, call := range candidates {
		verdict, err := r.judge.MatchArgs(ctx, background, expected.Name, expected.Args, call.Args)
		if err != nil {
			c.Detail = fmt.Sprintf("judge error: %v", err)
			return c
		}
		if verdict.Match {
			c.Passed = true
			return c
		}
		c.Detail = verdict.Reason
	}
	return c
}

func checkLLMResponse(expected workflow.ExpectedLLMOutput, byNode map[string][]string) Check {
	c := Check{Name: "llmResponses." + expected.Node}
	joined := strings.ToLower(strings.Join(byNode[expected.Node], "\n"))
	if joined == "" {
		c.Detail = "node produced no assistant messages"
		return c
	}
	for _, substr := range expected.Contains {
		if !strings.Contains(joined, strings.ToLower(substr)) {
			c.Detail = fmt.Sprintf("missing %q", substr)
			return c
		}
	}
	c.Passed = true
	return c
}

// argsEqual deep-compares argument maps through their JSON forms.
func argsEqual(expected, actual map[string]any) bool {
	wantNorm, err := normalize(expected)
	if err != nil {
		return false
	}
	gotNorm, err := normalize(actual)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(wantNorm, gotNorm)
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toJSONMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
