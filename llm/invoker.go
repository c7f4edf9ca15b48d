// Package llm wraps model invocation for workflow nodes: message assembly
// from thread history, tool exposure and the bounded tool-calling loop.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/outreachflow/outreachflow/log"
	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/tool"
)

const (
	// DefaultModel is used when a workflow does not pin one.
	DefaultModel = "gpt-4o"

	// DefaultTemperature is used when a workflow does not pin one.
	DefaultTemperature = 0.7

	// DefaultMaxToolIterations caps tool round-trips within a single
	// invocation.
	DefaultMaxToolIterations = 15
)

var (
	// ErrUnavailable wraps provider transport and API failures.
	ErrUnavailable = errors.New("llm unavailable")

	// ErrToolLoopExceeded is returned when the model keeps requesting tools
	// past the iteration cap.
	ErrToolLoopExceeded = errors.New("tool loop iteration cap exceeded")

	// ErrToolArgsInvalid is returned when the model produces arguments that
	// do not parse as a JSON object.
	ErrToolArgsInvalid = errors.New("tool call arguments invalid")
)

// ToolSource provides the tools exposed to the model and executes the
// calls it makes.
type ToolSource interface {
	Catalogue() []tool.Definition
	Execute(ctx context.Context, name string, args map[string]any) *tool.Result
}

// Config shapes a single workflow's model usage.
type Config struct {
	Model string
	// Temperature nil means DefaultTemperature; a workflow can pin an
	// explicit 0.
	Temperature *float64
	SystemPrompt string
	// AllowedTools restricts which registered tools the model sees.
	// Empty means all.
	AllowedTools []string
	// MaxToolIterations overrides DefaultMaxToolIterations when positive.
	MaxToolIterations int
}

// Invoker calls a chat model with thread history and runs its tool calls
// until it produces a final text response.
type Invoker struct {
	model  llms.Model
	tools  ToolSource
	cfg    Config
	logger log.Logger
}

// NewInvoker wires an invoker. tools and logger may be nil.
func NewInvoker(model llms.Model, tools ToolSource, cfg Config, logger log.Logger) *Invoker {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == nil {
		cfg.Temperature = state.Ptr(DefaultTemperature)
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Invoker{model: model, tools: tools, cfg: cfg, logger: logger}
}

// Invoke sends the assembled conversation to the model and returns its
// final text response, executing any tool calls it makes along the way.
func (inv *Invoker) Invoke(ctx context.Context, history []state.Message, userMessage, instructions string) (string, error) {
	messages := inv.assemble(history, userMessage, instructions)

	opts := []llms.CallOption{
		llms.WithModel(inv.cfg.Model),
		llms.WithTemperature(*inv.cfg.Temperature),
	}
	tools := inv.exposedTools()
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}

	for i := 0; i < inv.cfg.MaxToolIterations; i++ {
		resp, err := inv.model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("%w: empty response", ErrUnavailable)
		}

		choice := resp.Choices[0]
		if len(choice.ToolCalls) == 0 {
			return choice.Content, nil
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, tc)
		}
		messages = append(messages, assistant)

		for _, tc := range choice.ToolCalls {
			response, err := inv.runToolCall(ctx, tc)
			if err != nil {
				return "", err
			}
			messages = append(messages, llms.MessageContent{
				Role:  llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{response},
			})
		}
	}

	return "", fmt.Errorf("%w: after %d iterations", ErrToolLoopExceeded, inv.cfg.MaxToolIterations)
}

func (inv *Invoker) runToolCall(ctx context.Context, tc llms.ToolCall) (llms.ToolCallResponse, error) {
	name := tc.FunctionCall.Name
	args := map[string]any{}
	if raw := tc.FunctionCall.Arguments; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return llms.ToolCallResponse{}, fmt.Errorf("%w: tool %s: %v", ErrToolArgsInvalid, name, err)
		}
	}

	inv.logger.Debug("model requested tool %s", name)
	result := inv.tools.Execute(ctx, name, args)
	payload, err := json.Marshal(result)
	if err != nil {
		return llms.ToolCallResponse{}, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return llms.ToolCallResponse{
		ToolCallID: tc.ID,
		Name:       name,
		Content:    string(payload),
	}, nil
}

// assemble converts thread history into provider messages. Tool entries in
// the history are rewritten as user messages with a "[System Action]"
// prefix: providers reject tool messages without a preceding tool call,
// and checkpointed history does not replay the original calls.
func (inv *Invoker) assemble(history []state.Message, userMessage, instructions string) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history)+3)
	if inv.cfg.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, inv.cfg.SystemPrompt))
	}
	if instructions != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, instructions))
	}

	for _, m := range history {
		switch m.Role {
		case state.RoleTool:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, "[System Action] "+m.Content))
		case state.RoleAssistant:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
		case state.RoleSystem:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		default:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}

	if userMessage != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, userMessage))
	}
	return messages
}

// exposedTools returns the registered tools as provider definitions,
// filtered by the allow list.
func (inv *Invoker) exposedTools() []llms.Tool {
	if inv.tools == nil {
		return nil
	}

	var allowed map[string]bool
	if len(inv.cfg.AllowedTools) > 0 {
		allowed = make(map[string]bool, len(inv.cfg.AllowedTools))
		for _, name := range inv.cfg.AllowedTools {
			allowed[name] = true
		}
	}

	var out []llms.Tool
	for _, def := range inv.tools.Catalogue() {
		if allowed != nil && !allowed[def.Name] {
			continue
		}
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}
