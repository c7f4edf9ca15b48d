package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrEntryPointNotSet is returned when the entry point of the graph is not set.
	ErrEntryPointNotSet = errors.New("entry point not set")

	// ErrUnknownNode is returned when routing names a node the graph does not have.
	ErrUnknownNode = errors.New("unknown node")

	// ErrNoOutgoingEdge is returned when no outgoing edge is found for a node.
	ErrNoOutgoingEdge = errors.New("no outgoing edge found for node")

	// ErrRunawayLoop is returned when a run exceeds the outer iteration cap.
	// It indicates a routing bug, not a transient condition.
	ErrRunawayLoop = errors.New("runaway loop: outer iteration cap exceeded")

	// ErrNoPendingInterrupt is returned by Resume when the thread is not
	// paused at an interrupt.
	ErrNoPendingInterrupt = errors.New("thread has no pending interrupt")
)

// NodeInterrupt is the sentinel a node returns (through the Interrupt
// primitive) to suspend the thread until an external Resume.
type NodeInterrupt struct {
	// Node is the name of the node that triggered the interrupt
	Node string
	// Value is the payload describing what the node is waiting for
	Value any
}

func (e *NodeInterrupt) Error() string {
	return fmt.Sprintf("interrupt at node %s: %v", e.Node, e.Value)
}

// GraphInterrupt is returned by Invoke when execution pauses at an
// interrupt node. The thread stays resumable through Resume.
type GraphInterrupt struct {
	// Node that caused the interruption
	Node string
	// State at the time of interruption
	State any
	// InterruptValue is the payload provided by the interrupting node
	InterruptValue any
}

func (e *GraphInterrupt) Error() string {
	if e.InterruptValue != nil {
		return fmt.Sprintf("graph interrupted at node %s with value: %v", e.Node, e.InterruptValue)
	}
	return fmt.Sprintf("graph interrupted at node %s", e.Node)
}
