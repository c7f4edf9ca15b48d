// Package eval drives workflows deterministically against scripted
// scenarios and verifies node sequences, final state, tool calls and model
// output. Argument matching can optionally delegate to an LLM judge.
package eval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/outreachflow/outreachflow/graph"
	"github.com/outreachflow/outreachflow/log"
	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store/memory"
	"github.com/outreachflow/outreachflow/tool"
	"github.com/outreachflow/outreachflow/workflow"
)

// maxIterations caps a scenario run, matching the runtime's own guard.
const maxIterations = 50

// RecordedCall is one tool invocation observed during a scenario.
type RecordedCall struct {
	Name      string
	Args      map[string]any
	Timestamp time.Time
}

// RunResult is the outcome of driving one scenario.
type RunResult struct {
	Scenario     string
	Description  string
	NodeSequence []string
	Final        *state.ThreadState
	ToolCalls    []RecordedCall
	// AssistantByNode collects the assistant message content each node
	// produced, for llmResponses verification.
	AssistantByNode map[string][]string
	Checks          []Check
	Passed          bool
	Err             error
}

// Runner executes eval scenarios.
type Runner struct {
	judge  Judge
	logger log.Logger
}

// NewRunner creates a scenario runner. judge may be nil; judge-mode
// assertions then fail with an explanation instead of calling a model.
func NewRunner(judge Judge, logger log.Logger) *Runner {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Runner{judge: judge, logger: logger}
}

// RunSuite drives every scenario in the definition's eval section.
func (r *Runner) RunSuite(ctx context.Context, def *workflow.Definition) ([]*RunResult, error) {
	if def.Evals == nil || len(def.Evals.Scenarios) == 0 {
		return nil, fmt.Errorf("workflow %s has no eval scenarios", def.Name)
	}

	results := make([]*RunResult, 0, len(def.Evals.Scenarios))
	for _, sc := range def.Evals.Scenarios {
		res := r.RunScenario(ctx, def, sc)
		results = append(results, res)
	}
	return results, nil
}

// RunScenario drives one scenario to completion and verifies expectations.
func (r *Runner) RunScenario(ctx context.Context, def *workflow.Definition, sc workflow.EvalScenario) *RunResult {
	result := &RunResult{
		Scenario:        sc.ID,
		Description:     sc.Description,
		AssistantByNode: make(map[string][]string),
	}

	mock := newMockExecutor(sc.MockTools)
	invoker := &scriptedInvoker{responses: sc.LLM.Responses}

	rt, err := def.Build(workflow.Deps{
		LLM:    invoker,
		Tools:  mock,
		Store:  memory.NewMemoryStore(),
		Logger: r.logger,
		RuntimeOptions: []graph.RuntimeOption{
			graph.WithMaxIterations(maxIterations),
			graph.WithLogger(r.logger),
		},
	})
	if err != nil {
		result.Err = fmt.Errorf("building workflow: %w", err)
		return result
	}

	threadID := "eval-" + sc.ID
	if err := r.drive(ctx, rt, threadID, sc, result); err != nil {
		result.Err = err
		return result
	}

	result.ToolCalls = mock.calls()
	result.Checks = r.verify(ctx, def, sc.Expected, result)
	result.Passed = true
	for _, c := range result.Checks {
		if !c.Passed {
			result.Passed = false
			break
		}
	}
	return result
}

// drive streams the run, feeding scripted resume values FIFO on each
// interrupt. When the script is exhausted the snapshot is finalized as
// waiting for a human.
func (r *Runner) drive(ctx context.Context, rt *graph.Runtime, threadID string, sc workflow.EvalScenario, result *RunResult) error {
	interrupts := append([]workflow.ScriptedInterrupt(nil), sc.Interrupts...)
	events := rt.Stream(ctx, threadID, sc.InitialState.ThreadState())

	for steps := 0; steps < maxIterations; steps++ {
		ev, ok := <-events
		if !ok {
			return nil
		}
		if ev.Err != nil {
			return ev.Err
		}

		if ev.State != nil {
			r.observe(result, ev)
			result.Final = ev.State
		}

		if ev.Interrupted {
			if len(interrupts) == 0 {
				final := result.Final.Clone()
				final.WorkflowStatus = state.WorkflowWaitingHuman
				result.Final = final
				return nil
			}
			next := interrupts[0]
			interrupts = interrupts[1:]
			events = rt.ResumeStream(ctx, threadID, next.Resume)
		}
	}
	return fmt.Errorf("scenario %s exceeded %d steps", sc.ID, maxIterations)
}

// observe appends the node to the sequence and attributes any new
// assistant messages to it. Interrupt events replay the node name without
// a committed step, so they do not extend the sequence.
func (r *Runner) observe(result *RunResult, ev graph.Event) {
	if !ev.Interrupted {
		result.NodeSequence = append(result.NodeSequence, ev.Node)
	}

	seen := 0
	if result.Final != nil {
		seen = len(result.Final.Messages)
	}
	for _, m := range ev.State.Messages[min(seen, len(ev.State.Messages)):] {
		if m.Role == state.RoleAssistant {
			result.AssistantByNode[ev.Node] = append(result.AssistantByNode[ev.Node], m.Content)
		}
	}
}

// scriptedInvoker replays canned responses; once exhausted it answers
// "complete" so the analyze loop terminates.
type scriptedInvoker struct {
	mu        sync.Mutex
	responses []string
	cursor    int
}

func (s *scriptedInvoker) Invoke(_ context.Context, _ []state.Message, _ string, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.responses) {
		return "complete", nil
	}
	resp := s.responses[s.cursor]
	s.cursor++
	return resp, nil
}

// mockExecutor returns scripted tool results and records every call.
type mockExecutor struct {
	mu       sync.Mutex
	scripted map[string]workflow.MockTool
	recorded []RecordedCall
}

func newMockExecutor(scripted map[string]workflow.MockTool) *mockExecutor {
	return &mockExecutor{scripted: scripted}
}

func (m *mockExecutor) Execute(_ context.Context, name string, args map[string]any) *tool.Result {
	m.mu.Lock()
	m.recorded = append(m.recorded, RecordedCall{Name: name, Args: args, Timestamp: time.Now()})
	m.mu.Unlock()

	if mt, ok := m.scripted[name]; ok {
		return &tool.Result{
			Success: mt.Response.Success,
			Message: mt.Response.Message,
			Data:    mt.Response.Data,
		}
	}
	return &tool.Result{Success: true, Message: fmt.Sprintf("%s ok", name)}
}

func (m *mockExecutor) calls() []RecordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedCall(nil), m.recorded...)
}
