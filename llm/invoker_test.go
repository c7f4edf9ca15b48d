package llm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/tool"
)

// fakeModel replays scripted content responses and records the message
// batches it received.
type fakeModel struct {
	responses []*llms.ContentResponse
	cursor    int
	seen      [][]llms.MessageContent
	err       error
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.seen = append(f.seen, messages)
	if f.err != nil {
		return nil, f.err
	}
	if f.cursor >= len(f.responses) {
		return textResponse("complete"), nil
	}
	resp := f.responses[f.cursor]
	f.cursor++
	return resp, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func textResponse(content string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}
}

func toolCallResponse(id, name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:   id,
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      name,
				Arguments: args,
			},
		}},
	}}}
}

// stubTools exposes one tool and records calls.
type stubTools struct {
	calls []string
}

func (s *stubTools) Catalogue() []tool.Definition {
	return []tool.Definition{
		{Name: "getRecord", Description: "fetch a record", Parameters: map[string]any{"type": "object"}},
		{Name: "sendEmail", Description: "send an email", Parameters: map[string]any{"type": "object"}},
	}
}

func (s *stubTools) Execute(_ context.Context, name string, _ map[string]any) *tool.Result {
	s.calls = append(s.calls, name)
	return &tool.Result{Success: true, Message: name + " ok"}
}

func TestInvokeReturnsFinalText(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{textResponse("needs_email")}}
	inv := NewInvoker(model, &stubTools{}, Config{}, nil)

	out, err := inv.Invoke(context.Background(), nil, "summary", "instructions")
	require.NoError(t, err)
	assert.Equal(t, "needs_email", out)
}

func TestInvokeRunsToolCalls(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{
		toolCallResponse("call-1", "getRecord", `{"recordId":"r1"}`),
		textResponse("record looks overdue"),
	}}
	tools := &stubTools{}
	inv := NewInvoker(model, tools, Config{}, nil)

	out, err := inv.Invoke(context.Background(), nil, "summary", "")
	require.NoError(t, err)
	assert.Equal(t, "record looks overdue", out)
	assert.Equal(t, []string{"getRecord"}, tools.calls)

	// The second request carries the assistant tool call and its response.
	require.Len(t, model.seen, 2)
	second := model.seen[1]
	assert.Equal(t, llms.ChatMessageTypeAI, second[len(second)-2].Role)
	assert.Equal(t, llms.ChatMessageTypeTool, second[len(second)-1].Role)
}

func TestInvokeToolLoopCap(t *testing.T) {
	// The model keeps asking for tools forever.
	looping := make([]*llms.ContentResponse, 20)
	for i := range looping {
		looping[i] = toolCallResponse(fmt.Sprintf("call-%d", i), "getRecord", `{}`)
	}
	model := &fakeModel{responses: looping}
	inv := NewInvoker(model, &stubTools{}, Config{MaxToolIterations: 15}, nil)

	_, err := inv.Invoke(context.Background(), nil, "summary", "")
	assert.ErrorIs(t, err, ErrToolLoopExceeded)
	assert.Len(t, model.seen, 15)
}

func TestInvokeInvalidToolArgs(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{
		toolCallResponse("call-1", "getRecord", `{"recordId":`),
	}}
	inv := NewInvoker(model, &stubTools{}, Config{}, nil)

	_, err := inv.Invoke(context.Background(), nil, "summary", "")
	assert.ErrorIs(t, err, ErrToolArgsInvalid)
	assert.Contains(t, err.Error(), "getRecord")
}

func TestInvokeProviderFailure(t *testing.T) {
	model := &fakeModel{err: fmt.Errorf("connection refused")}
	inv := NewInvoker(model, &stubTools{}, Config{}, nil)

	_, err := inv.Invoke(context.Background(), nil, "summary", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAssembleRewritesToolHistory(t *testing.T) {
	inv := NewInvoker(&fakeModel{}, nil, Config{SystemPrompt: "You handle outreach."}, nil)

	history := []state.Message{
		{Role: state.RoleAssistant, Content: "Sending a reminder."},
		{Role: state.RoleTool, Content: "sendEmail: Email sent to ada@example.com"},
		{Role: state.RoleUser, Content: "Thanks, will pay."},
	}
	messages := inv.assemble(history, "What next?", "Decide the next step.")

	require.Len(t, messages, 6)
	assert.Equal(t, llms.ChatMessageTypeSystem, messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeSystem, messages[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, messages[2].Role)

	// Tool entries become user messages with the action prefix.
	assert.Equal(t, llms.ChatMessageTypeHuman, messages[3].Role)
	text, ok := messages[3].Parts[0].(llms.TextContent)
	require.True(t, ok)
	assert.Equal(t, "[System Action] sendEmail: Email sent to ada@example.com", text.Text)

	assert.Equal(t, llms.ChatMessageTypeHuman, messages[4].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, messages[5].Role)
}

func TestExposedToolsFiltering(t *testing.T) {
	inv := NewInvoker(&fakeModel{}, &stubTools{}, Config{AllowedTools: []string{"sendEmail"}}, nil)

	tools := inv.exposedTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "sendEmail", tools[0].Function.Name)
}

func TestConfigDefaults(t *testing.T) {
	inv := NewInvoker(&fakeModel{}, nil, Config{}, nil)
	assert.Equal(t, DefaultModel, inv.cfg.Model)
	require.NotNil(t, inv.cfg.Temperature)
	assert.Equal(t, float64(DefaultTemperature), *inv.cfg.Temperature)
	assert.Equal(t, DefaultMaxToolIterations, inv.cfg.MaxToolIterations)
}

func TestConfigKeepsExplicitZeroTemperature(t *testing.T) {
	// Temperature 0 is a deliberate deterministic setting, not "unset".
	inv := NewInvoker(&fakeModel{}, nil, Config{Temperature: state.Ptr(0.0)}, nil)
	require.NotNil(t, inv.cfg.Temperature)
	assert.Equal(t, 0.0, *inv.cfg.Temperature)
}
