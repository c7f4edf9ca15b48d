package workflow

import (
	"context"
	"fmt"

	"github.com/outreachflow/outreachflow/graph"
	"github.com/outreachflow/outreachflow/log"
	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
)

// Deps are the collaborators a compiled workflow runs against.
type Deps struct {
	LLM    graph.LLMInvoker
	Tools  graph.ToolExecutor
	Store  store.Store
	Logger log.Logger
	// RuntimeOptions are passed through to the graph runtime.
	RuntimeOptions []graph.RuntimeOption
}

// Build compiles the definition into a runnable graph runtime. Without a
// graph section the fixed outreach topology is used.
func (d *Definition) Build(deps Deps) (*graph.Runtime, error) {
	nodes := graph.NewOutreachNodes(deps.LLM, deps.Tools, deps.Logger)

	var g *graph.StateGraph
	if d.Graph == nil {
		g = graph.BuildOutreachGraph(nodes)
	} else {
		var err error
		g, err = d.buildDeclarative(nodes)
		if err != nil {
			return nil, err
		}
	}
	return g.Compile(deps.Store, deps.RuntimeOptions...)
}

// buildDeclarative assembles a graph from the definition's node map. Each
// declared node maps onto one of the engine's node kinds by its type and
// shape; conditional branches translate the node's routing decision into
// the declared target names.
func (d *Definition) buildDeclarative(nodes *graph.OutreachNodes) (*graph.StateGraph, error) {
	g := graph.NewStateGraph()

	for name, def := range d.Graph.Nodes {
		fn, err := d.nodeFunc(nodes, name, def)
		if err != nil {
			return nil, err
		}
		g.AddNode(name, def.Prompt, fn)
	}

	for name, def := range d.Graph.Nodes {
		switch {
		case len(def.Next.Conditional) > 0:
			g.AddConditionalEdge(name, routeByBranches(def.Next.Conditional))
		case def.Next.Static != "":
			g.AddEdge(name, rewriteEnd(def.Next.Static))
		case def.OnResponse != "":
			g.AddEdge(name, rewriteEnd(def.OnResponse))
		case def.Type == NodeTypeTool && isTerminal(def):
			g.AddConditionalEdge(name, graph.RouteOnNextNode)
		default:
			return nil, fmt.Errorf("workflow %s: node %s has no outgoing edge", d.Name, name)
		}
	}

	g.SetEntryPoint(d.Graph.Entrypoint)
	return g, nil
}

func (d *Definition) nodeFunc(nodes *graph.OutreachNodes, name string, def NodeDef) (graph.NodeFunc, error) {
	switch def.Type {
	case NodeTypeLLM:
		// An llm node with branches decides the route; one with a single
		// successor digests the latest response.
		if len(def.Next.Conditional) > 0 {
			return nodes.AnalyzeWith(name, def.Prompt), nil
		}
		return nodes.ProcessWith(name, def.Prompt, rewriteEnd(def.Next.Static)), nil
	case NodeTypeTool:
		if isTerminal(def) {
			return nodes.TerminalWith(name, def.Tool, def.Args), nil
		}
		channel, err := toolChannel(def)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: node %s: %w", d.Name, name, err)
		}
		return nodes.SendEffect(def.Tool, channel), nil
	case NodeTypeInterrupt:
		if def.Reason == "human_review" {
			return nodes.ReviewWith(name, rewriteEnd(continueTarget(def))), nil
		}
		return nodes.WaitWith(name, rewriteEnd(responseTarget(def))), nil
	default:
		return nil, fmt.Errorf("workflow %s: node %s has unknown type %q", d.Name, name, def.Type)
	}
}

// isTerminal reports whether a tool node finalizes the thread.
func isTerminal(def NodeDef) bool {
	return def.OnComplete == "complete" || def.Next.Static == graph.END ||
		(def.Next.IsZero() && def.OnResponse == "")
}

// toolChannel infers the outreach channel for a send-effect node.
func toolChannel(def NodeDef) (state.Channel, error) {
	if raw, ok := def.Args["channel"].(string); ok {
		return state.Channel(raw), nil
	}
	switch def.Tool {
	case "sendEmail":
		return state.ChannelEmail, nil
	case "sendCall":
		return state.ChannelPhone, nil
	}
	return "", fmt.Errorf("cannot infer channel for tool %q, set args.channel", def.Tool)
}

// responseTarget is where a wait node routes a resumed response.
func responseTarget(def NodeDef) string {
	if def.OnResponse != "" {
		return def.OnResponse
	}
	return def.Next.Static
}

// continueTarget is where a review node routes a continue decision.
func continueTarget(def NodeDef) string {
	if def.Next.Static != "" {
		return def.Next.Static
	}
	return def.OnResponse
}

// routeByBranches resolves a conditional edge by matching the node's
// nextNode against declared branch conditions. "*" matches anything.
func routeByBranches(branches []EdgeTarget) graph.RouteFunc {
	return func(_ context.Context, st *state.ThreadState) string {
		for _, b := range branches {
			if b.Condition == st.NextNode || b.Condition == "*" {
				return rewriteEnd(b.Target)
			}
		}
		if st.NextNode == graph.END {
			return graph.END
		}
		return ""
	}
}

func rewriteEnd(target string) string {
	if target == "__end__" {
		return graph.END
	}
	return target
}
