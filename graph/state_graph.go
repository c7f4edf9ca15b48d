// Package graph implements a checkpointed state graph runtime for outreach
// workflow threads. Nodes read an immutable state snapshot and return a
// partial update; the runtime merges updates, persists a checkpoint per
// step and routes to the next node until it reaches END or an interrupt.
package graph

import (
	"context"
	"fmt"

	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
)

// END is the terminal routing target.
const END = "__end__"

// NodeFunc is the signature of a node. It receives a copy of the thread
// state and returns the partial update to merge. Returning a *NodeInterrupt
// (through Interrupt) suspends the thread.
type NodeFunc func(ctx context.Context, st *state.ThreadState) (state.Partial, error)

// RouteFunc picks the next node for a conditional edge. It may return END.
type RouteFunc func(ctx context.Context, st *state.ThreadState) string

// Node represents a single node in the graph
type Node struct {
	Name        string
	Description string
	Function    NodeFunc
}

// Edge represents a static transition between two nodes
type Edge struct {
	From string
	To   string
}

// StateGraph represents a directed graph of nodes over thread state.
type StateGraph struct {
	nodes      map[string]Node
	edges      []Edge
	branches   map[string]RouteFunc
	entryPoint string
}

// NewStateGraph creates a new instance of StateGraph.
func NewStateGraph() *StateGraph {
	return &StateGraph{
		nodes:    make(map[string]Node),
		branches: make(map[string]RouteFunc),
	}
}

// AddNode adds a new node to the graph.
func (g *StateGraph) AddNode(name, description string, fn NodeFunc) *StateGraph {
	g.nodes[name] = Node{Name: name, Description: description, Function: fn}
	return g
}

// AddEdge adds a static edge between two nodes.
func (g *StateGraph) AddEdge(from, to string) *StateGraph {
	g.edges = append(g.edges, Edge{From: from, To: to})
	return g
}

// AddConditionalEdge attaches a routing function to a node. It takes
// precedence over static edges from the same node.
func (g *StateGraph) AddConditionalEdge(from string, route RouteFunc) *StateGraph {
	g.branches[from] = route
	return g
}

// SetEntryPoint sets the entry point of the graph.
func (g *StateGraph) SetEntryPoint(name string) *StateGraph {
	g.entryPoint = name
	return g
}

// Compile validates the graph and binds it to a checkpoint store,
// returning the runnable runtime.
func (g *StateGraph) Compile(st store.Store, opts ...RuntimeOption) (*Runtime, error) {
	if g.entryPoint == "" {
		return nil, ErrEntryPointNotSet
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return nil, fmt.Errorf("%w: entry point %s", ErrUnknownNode, g.entryPoint)
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("%w: edge source %s", ErrUnknownNode, e.From)
		}
		if e.To != END {
			if _, ok := g.nodes[e.To]; !ok {
				return nil, fmt.Errorf("%w: edge target %s", ErrUnknownNode, e.To)
			}
		}
	}
	for from := range g.branches {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("%w: conditional edge source %s", ErrUnknownNode, from)
		}
	}
	return newRuntime(g, st, opts...), nil
}

// resolveNext determines the node that follows from after its update has
// been merged into st. Conditional edges win over static ones.
func (g *StateGraph) resolveNext(ctx context.Context, from string, st *state.ThreadState) (string, error) {
	if route, ok := g.branches[from]; ok {
		target := route(ctx, st)
		if target == "" {
			return "", fmt.Errorf("%w: conditional edge from %s resolved to nothing", ErrNoOutgoingEdge, from)
		}
		if target != END {
			if _, ok := g.nodes[target]; !ok {
				return "", fmt.Errorf("%w: %s (routed from %s)", ErrUnknownNode, target, from)
			}
		}
		return target, nil
	}
	for _, e := range g.edges {
		if e.From == from {
			return e.To, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoOutgoingEdge, from)
}

// RouteOnNextNode is the standard conditional edge: it follows the
// nextNode field written by the node itself.
func RouteOnNextNode(_ context.Context, st *state.ThreadState) string {
	return st.NextNode
}
