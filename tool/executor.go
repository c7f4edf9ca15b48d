// Package tool implements the tool registry and executor used by graph
// nodes and the LLM invocation loop. Execution never returns an error to
// the caller: unknown tools, handler errors and panics all surface as
// unsuccessful results so the model can react to them in conversation.
package tool

import (
	"context"
	"fmt"
	"sort"

	"github.com/outreachflow/outreachflow/log"
)

// Result is the outcome of a tool call. Message is always safe to show to
// the model.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Definition describes a tool for function-calling providers. Parameters is
// a JSON schema object.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Handler is a registered tool.
type Handler struct {
	Name        string
	Description string
	Parameters  map[string]any
	Run         func(ctx context.Context, args map[string]any) (*Result, error)
}

// Executor dispatches tool calls by name.
type Executor struct {
	handlers map[string]*Handler
	logger   log.Logger
}

// NewExecutor creates an empty tool executor. logger may be nil.
func NewExecutor(logger log.Logger) *Executor {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Executor{
		handlers: make(map[string]*Handler),
		logger:   logger,
	}
}

// Register adds a tool. Registering the same name twice is an error.
func (e *Executor) Register(h *Handler) error {
	if h == nil || h.Name == "" {
		return fmt.Errorf("tool handler must have a name")
	}
	if _, exists := e.handlers[h.Name]; exists {
		return fmt.Errorf("tool %s already registered", h.Name)
	}
	e.handlers[h.Name] = h
	return nil
}

// Catalogue returns the definitions of all registered tools, sorted by name.
func (e *Executor) Catalogue() []Definition {
	defs := make([]Definition, 0, len(e.handlers))
	for _, h := range e.handlers {
		defs = append(defs, Definition{
			Name:        h.Name,
			Description: h.Description,
			Parameters:  h.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool by name. The returned result is never nil.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool %s panicked: %v", name, r)
			res = &Result{Success: false, Message: fmt.Sprintf("Tool error: %v", r)}
		}
	}()

	h, ok := e.handlers[name]
	if !ok {
		return &Result{Success: false, Message: fmt.Sprintf("Unknown tool: %s", name)}
	}

	e.logger.Debug("executing tool %s", name)
	out, err := h.Run(ctx, args)
	if err != nil {
		e.logger.Warn("tool %s failed: %v", name, err)
		return &Result{Success: false, Message: fmt.Sprintf("Tool error: %v", err)}
	}
	if out == nil {
		return &Result{Success: true, Message: "OK"}
	}
	return out
}
