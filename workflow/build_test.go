package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachflow/outreachflow/graph"
	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store/memory"
	"github.com/outreachflow/outreachflow/tool"
)

type stubLLM struct {
	mu        sync.Mutex
	responses []string
	cursor    int
}

func (s *stubLLM) Invoke(_ context.Context, _ []state.Message, _ string, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.responses) {
		return "complete", nil
	}
	resp := s.responses[s.cursor]
	s.cursor++
	return resp, nil
}

type stubTools struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubTools) Execute(_ context.Context, name string, _ map[string]any) *tool.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	return &tool.Result{Success: true, Message: name + " ok"}
}

func seedState() *state.ThreadState {
	email := "ada@example.com"
	return state.New(
		&state.Record{ID: "r1", Title: "Invoice 1001", Status: state.RecordOpen},
		&state.Contact{ID: "c1", Name: "Ada", Email: &email},
	)
}

func TestBuildLegacyTopology(t *testing.T) {
	def := &Definition{Name: "legacy"}
	llm := &stubLLM{responses: []string{"complete"}}
	tools := &stubTools{}

	rt, err := def.Build(Deps{LLM: llm, Tools: tools, Store: memory.NewMemoryStore()})
	require.NoError(t, err)

	final, err := rt.Invoke(context.Background(), "t1", seedState())
	require.NoError(t, err)
	assert.Equal(t, state.WorkflowCompleted, final.WorkflowStatus)
	assert.Equal(t, []string{"updateRecordStatus"}, tools.calls)
}

func TestBuildDeclarativeTopology(t *testing.T) {
	def, err := Parse([]byte(declarativeYAML))
	require.NoError(t, err)

	llm := &stubLLM{responses: []string{"needs_email", "They promised payment.", "complete"}}
	tools := &stubTools{}
	rt, err := def.Build(Deps{LLM: llm, Tools: tools, Store: memory.NewMemoryStore()})
	require.NoError(t, err)

	// Runs up to the wait interrupt.
	_, err = rt.Invoke(context.Background(), "t1", seedState())
	var gi *graph.GraphInterrupt
	require.ErrorAs(t, err, &gi)
	assert.Equal(t, "awaitReply", gi.Node)
	assert.Equal(t, []string{"sendEmail"}, tools.calls)

	// Resume flows through digest, back to triage, then closes out.
	final, err := rt.Resume(context.Background(), "t1", state.ResumeValue{Content: "will pay"})
	require.NoError(t, err)
	assert.Equal(t, state.WorkflowCompleted, final.WorkflowStatus)
	assert.Equal(t, []string{"sendEmail", "updateRecordStatus"}, tools.calls)
	assert.Equal(t, state.RecordDone, final.Record.Status)
}

func TestBuildRejectsNodeWithoutEdge(t *testing.T) {
	def, err := Parse([]byte(`
name: broken
graphDefinition:
  entrypoint: a
  nodes:
    a:
      type: llm
`))
	require.NoError(t, err)

	_, err = def.Build(Deps{LLM: &stubLLM{}, Tools: &stubTools{}, Store: memory.NewMemoryStore()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no outgoing edge")
}

func TestBuildRejectsUnknownChannel(t *testing.T) {
	def, err := Parse([]byte(`
name: broken
graphDefinition:
  entrypoint: a
  nodes:
    a:
      type: tool
      tool: sendFax
      next: b
    b:
      type: llm
      next: "__end__"
`))
	require.NoError(t, err)

	_, err = def.Build(Deps{LLM: &stubLLM{}, Tools: &stubTools{}, Store: memory.NewMemoryStore()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel")
}

func TestBuildToolChannelFromArgs(t *testing.T) {
	def, err := Parse([]byte(`
name: sms
graphDefinition:
  entrypoint: ping
  nodes:
    ping:
      type: tool
      tool: sendSms
      args:
        channel: SMS
      next: wait
    wait:
      type: interrupt
      onResponse: done
    done:
      type: llm
      next: "__end__"
`))
	require.NoError(t, err)

	tools := &stubTools{}
	rt, err := def.Build(Deps{LLM: &stubLLM{}, Tools: tools, Store: memory.NewMemoryStore()})
	require.NoError(t, err)

	final, err := rt.Invoke(context.Background(), "t1", seedState())
	var gi *graph.GraphInterrupt
	require.ErrorAs(t, err, &gi)
	assert.Equal(t, state.Channel("SMS"), final.LastChannel)
	assert.Equal(t, []string{"sendSms"}, tools.calls)
}
