package graph

import (
	"context"
	"sync"
)

type resumeCellKey struct{}

// resumeCell carries a resume value through the context. A value is
// consumed at most once so that only the interrupted node observes it;
// later wait nodes in the same run interrupt normally.
type resumeCell struct {
	mu    sync.Mutex
	value any
	taken bool
}

// WithResumeValue returns a context carrying a resume value. The next call
// to Interrupt consumes it.
func WithResumeValue(ctx context.Context, value any) context.Context {
	return context.WithValue(ctx, resumeCellKey{}, &resumeCell{value: value})
}

// takeResumeValue pops the resume value from the context, if any.
func takeResumeValue(ctx context.Context) (any, bool) {
	cell, ok := ctx.Value(resumeCellKey{}).(*resumeCell)
	if !ok {
		return nil, false
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.taken {
		return nil, false
	}
	cell.taken = true
	return cell.value, true
}

// Interrupt pauses execution and waits for an external value.
// If the run is resuming, it returns the value provided to Resume; otherwise
// it returns a *NodeInterrupt sentinel the runtime intercepts.
func Interrupt(ctx context.Context, payload any) (any, error) {
	if v, ok := takeResumeValue(ctx); ok {
		return v, nil
	}
	return nil, &NodeInterrupt{Value: payload}
}
