package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreachflow/outreachflow/log"
	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
)

const (
	// DefaultMaxIterations caps node executions per run to catch routing
	// cycles that never reach END.
	DefaultMaxIterations = 50

	// DefaultLeaseTTL bounds how long a crashed process can block a thread.
	DefaultLeaseTTL = 2 * time.Minute
)

// Event is emitted on the stream channel after every committed step.
type Event struct {
	// Node that produced this event
	Node string
	// State after the node's update was merged
	State *state.ThreadState
	// Interrupted is true when the node suspended the thread
	Interrupted bool
	// InterruptValue is the payload of the interrupt, if any
	InterruptValue any
	// Err terminates the stream when non-nil
	Err error
}

// Runtime executes a compiled graph against a checkpoint store. Every node
// step is committed as a checkpoint before the next one starts, so a thread
// can be resumed from its latest checkpoint after an interrupt, a deadline
// or a crash.
type Runtime struct {
	graph         *StateGraph
	store         store.Store
	maxIterations int
	leaseTTL      time.Duration
	logger        log.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithMaxIterations overrides the per-run node execution cap.
func WithMaxIterations(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithLeaseTTL overrides the per-thread lease duration.
func WithLeaseTTL(ttl time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if ttl > 0 {
			r.leaseTTL = ttl
		}
	}
}

// WithLogger overrides the runtime logger.
func WithLogger(logger log.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func newRuntime(g *StateGraph, st store.Store, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		graph:         g,
		store:         st,
		maxIterations: DefaultMaxIterations,
		leaseTTL:      DefaultLeaseTTL,
		logger:        log.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store exposes the underlying checkpoint store.
func (r *Runtime) Store() store.Store {
	return r.store
}

// Stream starts or continues a thread and emits an Event per committed
// step. For a new thread, input becomes the initial state; for an existing
// thread, input is ignored and execution picks up at the latest checkpoint.
// The channel closes when the run finishes, interrupts or fails.
func (r *Runtime) Stream(ctx context.Context, threadID string, input *state.ThreadState) <-chan Event {
	events := make(chan Event, r.maxIterations+1)
	go func() {
		defer close(events)
		if final := r.run(ctx, threadID, input, false, events); final != nil {
			events <- *final
		}
	}()
	return events
}

// Invoke runs the thread to completion or interruption and returns the
// final state. An interrupt is reported as a *GraphInterrupt error; the
// thread stays resumable.
func (r *Runtime) Invoke(ctx context.Context, threadID string, input *state.ThreadState) (*state.ThreadState, error) {
	return drain(r.Stream(ctx, threadID, input))
}

// ResumeStream continues a thread paused at an interrupt, delivering value
// to the interrupted node, and streams the subsequent steps.
func (r *Runtime) ResumeStream(ctx context.Context, threadID string, value any) <-chan Event {
	events := make(chan Event, r.maxIterations+1)
	ctx = WithResumeValue(ctx, value)
	go func() {
		defer close(events)
		if final := r.run(ctx, threadID, nil, true, events); final != nil {
			events <- *final
		}
	}()
	return events
}

// Resume continues a paused thread and returns the final state. Resuming a
// thread that already finished returns its final snapshot with no error.
func (r *Runtime) Resume(ctx context.Context, threadID string, value any) (*state.ThreadState, error) {
	return drain(r.ResumeStream(ctx, threadID, value))
}

// GetState returns the latest checkpoint for a thread.
func (r *Runtime) GetState(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	return r.store.GetTuple(ctx, threadID)
}

// ListCheckpoints returns the full checkpoint history of a thread,
// oldest first.
func (r *Runtime) ListCheckpoints(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	return r.store.List(ctx, threadID)
}

func drain(events <-chan Event) (*state.ThreadState, error) {
	var last *state.ThreadState
	for ev := range events {
		if ev.Err != nil {
			return last, ev.Err
		}
		if ev.State != nil {
			last = ev.State
		}
		if ev.Interrupted {
			return last, &GraphInterrupt{Node: ev.Node, State: last, InterruptValue: ev.InterruptValue}
		}
	}
	return last, nil
}

// run drives the checkpoint loop. Each iteration executes the node named by
// the tip checkpoint's Next field, buffers its update as a pending write,
// merges it and commits the successor checkpoint. The pending write makes a
// crash between node completion and checkpoint commit recoverable without
// re-executing the node.
//
// The returned event terminates the stream. It is returned rather than sent
// so the caller emits it only after the deferred lease release has run;
// otherwise a consumer resuming the instant it sees the interrupt could
// still find the lease held.
func (r *Runtime) run(ctx context.Context, threadID string, input *state.ThreadState, resuming bool, events chan<- Event) *Event {
	lease, err := r.store.AcquireLease(ctx, threadID, r.leaseTTL)
	if err != nil {
		return &Event{Err: err}
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("thread %s: lease release failed: %v", threadID, err)
		}
	}()

	tip, err := r.store.GetTuple(ctx, threadID)
	if errors.Is(err, store.ErrThreadNotFound) {
		if resuming || input == nil {
			return &Event{Err: err}
		}
		tip, err = r.seed(ctx, threadID, input)
	}
	if err != nil {
		return &Event{Err: err}
	}

	if resuming && tip.Next != "" && !tip.Interrupted {
		return &Event{Err: fmt.Errorf("%w: thread %s", ErrNoPendingInterrupt, threadID)}
	}

	for iterations := 0; ; iterations++ {
		if tip.Next == "" {
			if iterations == 0 {
				// Thread was already finalized before this run. Report the
				// final snapshot so repeated Resume calls stay idempotent.
				return &Event{Node: tip.Source, State: tip.State.Clone()}
			}
			return nil
		}
		if iterations >= r.maxIterations {
			return &Event{Err: fmt.Errorf("%w: thread %s after %d steps", ErrRunawayLoop, threadID, iterations)}
		}

		nodeName := tip.Next
		node, ok := r.graph.nodes[nodeName]
		if !ok {
			return &Event{Err: fmt.Errorf("%w: %s", ErrUnknownNode, nodeName)}
		}

		update, replayed, err := r.pendingUpdate(ctx, threadID, tip.ID, nodeName)
		if err != nil {
			return &Event{Err: err}
		}
		if replayed {
			r.logger.Info("thread %s: replaying buffered output of node %s", threadID, nodeName)
		} else {
			r.logger.Debug("thread %s: executing node %s (step %d)", threadID, nodeName, tip.Step+1)
			update, err = node.Function(ctx, tip.State.Clone())
			if err != nil {
				var ni *NodeInterrupt
				if errors.As(err, &ni) {
					ni.Node = nodeName
					tip, err = r.commitInterrupt(ctx, tip, nodeName)
					if err != nil {
						return &Event{Err: err}
					}
					return &Event{Node: nodeName, State: tip.State.Clone(), Interrupted: true, InterruptValue: ni.Value}
				}
				return &Event{Err: fmt.Errorf("node %s: %w", nodeName, err)}
			}
			if err := r.store.PutWrites(ctx, threadID, tip.ID, nodeName, update); err != nil {
				return &Event{Err: err}
			}
		}

		merged := state.Merge(&tip.State, update)
		target, err := r.graph.resolveNext(ctx, nodeName, merged)
		if err != nil {
			return &Event{Err: err}
		}

		next := target
		if target == END {
			next = ""
		}
		successor := &store.Checkpoint{
			ID:        newCheckpointID(tip.Step + 1),
			ThreadID:  threadID,
			ParentID:  tip.ID,
			Step:      tip.Step + 1,
			Source:    nodeName,
			Next:      next,
			State:     *merged,
			CreatedAt: time.Now(),
		}
		if err := r.store.Put(ctx, successor); err != nil {
			return &Event{Err: err}
		}
		tip = successor
		events <- Event{Node: nodeName, State: merged.Clone()}

		if err := ctx.Err(); err != nil {
			// Deadline or cancellation. The step just committed is durable,
			// so a later run continues from here.
			return &Event{Err: err}
		}
	}
}

// seed commits the initial checkpoint for a brand new thread.
func (r *Runtime) seed(ctx context.Context, threadID string, input *state.ThreadState) (*store.Checkpoint, error) {
	st := input.Clone()
	if st.WorkflowStatus == "" {
		st.WorkflowStatus = state.WorkflowRunning
	}
	cp := &store.Checkpoint{
		ID:        newCheckpointID(0),
		ThreadID:  threadID,
		ParentID:  "",
		Step:      0,
		Source:    "input",
		Next:      r.graph.entryPoint,
		State:     *st,
		CreatedAt: time.Now(),
	}
	if err := r.store.Put(ctx, cp); err != nil {
		return nil, err
	}
	r.logger.Info("thread %s: created at entry point %s", threadID, r.graph.entryPoint)
	return cp, nil
}

// pendingUpdate looks for a buffered output of the node against the tip
// checkpoint, left behind by a run that crashed before committing.
func (r *Runtime) pendingUpdate(ctx context.Context, threadID, checkpointID, nodeName string) (state.Partial, bool, error) {
	writes, err := r.store.GetWrites(ctx, threadID, checkpointID)
	if err != nil {
		return state.Partial{}, false, err
	}
	for _, pw := range writes {
		if pw.TaskID == nodeName {
			return pw.Update, true, nil
		}
	}
	return state.Partial{}, false, nil
}

// commitInterrupt records the suspension as a checkpoint whose Next still
// points at the interrupted node. A duplicate suspension (a Stream call on
// an already paused thread) reuses the existing checkpoint.
func (r *Runtime) commitInterrupt(ctx context.Context, tip *store.Checkpoint, nodeName string) (*store.Checkpoint, error) {
	if tip.Interrupted && tip.Next == nodeName {
		return tip, nil
	}
	cp := &store.Checkpoint{
		ID:          newCheckpointID(tip.Step + 1),
		ThreadID:    tip.ThreadID,
		ParentID:    tip.ID,
		Step:        tip.Step + 1,
		Source:      nodeName,
		Next:        nodeName,
		Interrupted: true,
		State:       *tip.State.Clone(),
		CreatedAt:   time.Now(),
	}
	if err := r.store.Put(ctx, cp); err != nil {
		return nil, err
	}
	r.logger.Info("thread %s: interrupted at node %s (step %d)", tip.ThreadID, nodeName, cp.Step)
	return cp, nil
}

// newCheckpointID builds an identifier that orders lexicographically by
// step within a thread.
func newCheckpointID(step int) string {
	return fmt.Sprintf("cp_%06d_%s", step, uuid.New().String())
}
