// Package workflow loads declarative workflow definitions and compiles
// them into runnable graphs. A definition without a graph section falls
// back to the fixed outreach topology.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/outreachflow/outreachflow/graph"
)

// NodeType classifies a declarative node.
type NodeType string

const (
	NodeTypeLLM       NodeType = "llm"
	NodeTypeTool      NodeType = "tool"
	NodeTypeInterrupt NodeType = "interrupt"
)

// EdgeTarget is one branch of a conditional edge: when the node's nextNode
// equals Condition, routing follows Target.
type EdgeTarget struct {
	Condition string `yaml:"condition"`
	Target    string `yaml:"target"`
}

// NextSpec is a node's outgoing edge: either a single static target or a
// list of conditional branches.
type NextSpec struct {
	Static      string
	Conditional []EdgeTarget
}

// UnmarshalYAML accepts `next: nodeName` as well as the branch-list form.
func (n *NextSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&n.Static)
	case yaml.SequenceNode:
		return value.Decode(&n.Conditional)
	default:
		return fmt.Errorf("next must be a node name or a list of {condition, target}")
	}
}

// IsZero reports whether no edge was declared.
func (n NextSpec) IsZero() bool {
	return n.Static == "" && len(n.Conditional) == 0
}

// NodeDef is one node in a declarative graph.
type NodeDef struct {
	Type NodeType `yaml:"type"`
	// Prompt is the instruction for llm nodes.
	Prompt string `yaml:"prompt,omitempty"`
	// Tool and Args configure tool nodes.
	Tool string         `yaml:"tool,omitempty"`
	Args map[string]any `yaml:"args,omitempty"`
	Next NextSpec       `yaml:"next,omitempty"`
	// OnComplete marks a tool node terminal when set to "complete".
	OnComplete string `yaml:"onComplete,omitempty"`
	// OnResponse names the node that handles a resumed response.
	OnResponse string `yaml:"onResponse,omitempty"`
	// Timeout and OnTimeout describe channel timeout handling for
	// interrupt nodes; the engine records them but release is external.
	Timeout   string `yaml:"timeout,omitempty"`
	OnTimeout string `yaml:"onTimeout,omitempty"`
	// Reason distinguishes interrupt kinds, e.g. "human_review".
	Reason string `yaml:"reason,omitempty"`
}

// GraphDef is the declarative topology of a workflow.
type GraphDef struct {
	Entrypoint string             `yaml:"entrypoint"`
	Nodes      map[string]NodeDef `yaml:"nodes"`
}

// SchedulerDef configures the cron cadence of a workflow.
type SchedulerDef struct {
	Cron      string         `yaml:"cron,omitempty"`
	BatchSize int            `yaml:"batchSize,omitempty"`
	Filters   map[string]any `yaml:"filters,omitempty"`
}

// Definition is a complete workflow file.
type Definition struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description,omitempty"`
	Model        string        `yaml:"model,omitempty"`
	Temperature  *float64      `yaml:"temperature,omitempty"`
	SystemPrompt string        `yaml:"systemPrompt,omitempty"`
	AllowedTools []string      `yaml:"allowedTools,omitempty"`
	Graph        *GraphDef     `yaml:"graphDefinition,omitempty"`
	Scheduler    *SchedulerDef `yaml:"scheduler,omitempty"`
	Evals        *EvalSuite    `yaml:"evals,omitempty"`
}

// Load reads and validates a workflow definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a workflow definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks internal consistency of the definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if d.Graph == nil {
		return nil
	}
	if d.Graph.Entrypoint == "" {
		return fmt.Errorf("workflow %s: graph entrypoint is required", d.Name)
	}
	if _, ok := d.Graph.Nodes[d.Graph.Entrypoint]; !ok {
		return fmt.Errorf("workflow %s: entrypoint %q is not a declared node", d.Name, d.Graph.Entrypoint)
	}
	for name, node := range d.Graph.Nodes {
		switch node.Type {
		case NodeTypeLLM, NodeTypeTool, NodeTypeInterrupt:
		default:
			return fmt.Errorf("workflow %s: node %s has unknown type %q", d.Name, name, node.Type)
		}
		if node.Type == NodeTypeTool && node.Tool == "" {
			return fmt.Errorf("workflow %s: tool node %s names no tool", d.Name, name)
		}
		if err := d.validateTargets(name, node); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateTargets(name string, node NodeDef) error {
	check := func(target string) error {
		if target == "" || target == graph.END {
			return nil
		}
		if _, ok := d.Graph.Nodes[target]; !ok {
			return fmt.Errorf("workflow %s: node %s routes to undeclared node %q", d.Name, name, target)
		}
		return nil
	}
	if err := check(node.Next.Static); err != nil {
		return err
	}
	for _, branch := range node.Next.Conditional {
		if err := check(branch.Target); err != nil {
			return err
		}
	}
	for _, target := range []string{node.OnResponse, node.OnTimeout} {
		if err := check(target); err != nil {
			return err
		}
	}
	return nil
}

// LLMConfig derives the model settings for this workflow. Temperature is
// nil when the workflow does not pin one, so an explicit 0 survives the
// round trip.
func (d *Definition) LLMConfig() (model string, temperature *float64, systemPrompt string, allowedTools []string) {
	return d.Model, d.Temperature, d.SystemPrompt, d.AllowedTools
}
