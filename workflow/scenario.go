package workflow

import (
	"github.com/outreachflow/outreachflow/state"
)

// EvalSuite is the eval section of a workflow definition.
type EvalSuite struct {
	// Context is background prose given to the judge.
	Context   string         `yaml:"context,omitempty"`
	Scenarios []EvalScenario `yaml:"scenarios"`
}

// EvalScenario scripts one deterministic run of the workflow.
type EvalScenario struct {
	ID           string              `yaml:"id"`
	Description  string              `yaml:"description,omitempty"`
	InitialState ScenarioState       `yaml:"initialState"`
	MockTools    map[string]MockTool `yaml:"mockTools,omitempty"`
	LLM          ScriptedLLM         `yaml:"llm,omitempty"`
	Interrupts   []ScriptedInterrupt `yaml:"interrupts,omitempty"`
	Expected     Expectation         `yaml:"expected"`
}

// ScenarioState seeds the thread.
type ScenarioState struct {
	Record   *state.Record   `yaml:"record"`
	Contact  *state.Contact  `yaml:"contact,omitempty"`
	Messages []state.Message `yaml:"messages,omitempty"`
	Attempts int             `yaml:"attempts,omitempty"`
}

// ThreadState converts the seed into runnable state.
func (s ScenarioState) ThreadState() *state.ThreadState {
	st := state.New(s.Record, s.Contact)
	st.Messages = append(st.Messages, s.Messages...)
	st.Attempts = s.Attempts
	return st
}

// MockTool scripts a tool's response for the whole scenario.
type MockTool struct {
	Response MockResponse `yaml:"response"`
}

// MockResponse mirrors the tool result shape.
type MockResponse struct {
	Success bool           `yaml:"success"`
	Message string         `yaml:"message"`
	Data    map[string]any `yaml:"data,omitempty"`
}

// ScriptedLLM feeds model responses in order; when the script runs out the
// stub answers "complete" so runs terminate.
type ScriptedLLM struct {
	Responses []string `yaml:"responses,omitempty"`
}

// ScriptedInterrupt is one scripted resume value, consumed FIFO.
type ScriptedInterrupt struct {
	Resume map[string]any `yaml:"resume"`
}

// Expectation is the assertion set of a scenario.
type Expectation struct {
	NodeSequence []string            `yaml:"nodeSequence,omitempty"`
	FinalState   map[string]any      `yaml:"finalState,omitempty"`
	RecordStatus string              `yaml:"recordStatus,omitempty"`
	ToolsCalled  []ExpectedToolCall  `yaml:"toolsCalled,omitempty"`
	LLMResponses []ExpectedLLMOutput `yaml:"llmResponses,omitempty"`
}

// MatchMode selects how tool arguments are compared.
type MatchMode string

const (
	MatchStrict MatchMode = "strict"
	MatchJudge  MatchMode = "judge"
)

// ExpectedToolCall asserts that a tool was called, optionally with args.
type ExpectedToolCall struct {
	Name      string         `yaml:"name"`
	Args      map[string]any `yaml:"args,omitempty"`
	MatchMode MatchMode      `yaml:"matchMode,omitempty"`
}

// ExpectedLLMOutput asserts substrings over the assistant messages a node
// produced.
type ExpectedLLMOutput struct {
	Node     string   `yaml:"node"`
	Contains []string `yaml:"contains"`
}
