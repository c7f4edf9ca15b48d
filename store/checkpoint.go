// Package store defines the durable checkpoint log behind the graph
// runtime: an append-only per-thread chain of state snapshots with parent
// pointers, a pending-writes buffer, and a per-thread write lease.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/outreachflow/outreachflow/state"
)

// Checkpoint is one snapshot in a thread's append-only history. Adjacent
// checkpoints are linked through ParentID; IDs are unique, Steps are
// monotonically increasing per thread.
type Checkpoint struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	ParentID string `json:"parent_id,omitempty"`

	// Step is the zero-based position in the thread's chain.
	Step int `json:"step"`

	// Source is the node whose output produced this snapshot ("input" for
	// checkpoint 0).
	Source string `json:"source"`

	// Next is the node the runtime will execute against this snapshot, or
	// empty once the thread is finalized. An interrupted checkpoint has
	// Next set to the interrupted node itself.
	Next string `json:"next,omitempty"`

	// Interrupted marks the thread as paused awaiting Resume.
	Interrupted bool `json:"interrupted,omitempty"`

	State     state.ThreadState `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
}

// PendingWrite buffers a node output that belongs to a checkpoint but has
// not yet been reduced into a successor snapshot. The runtime records one
// before committing the successor so a crash in between is recoverable
// without re-executing the node.
type PendingWrite struct {
	TaskID    string        `json:"task_id"`
	Update    state.Partial `json:"update"`
	CreatedAt time.Time     `json:"created_at"`
}

var (
	// ErrThreadNotFound is returned when a thread has no checkpoints.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrConflictingWrite is returned when a Put does not extend the
	// current tip of the thread's chain. The loser reloads and retries.
	ErrConflictingWrite = errors.New("conflicting checkpoint write")

	// ErrStoreUnavailable is returned when the persistence layer is
	// unreachable. Backends wrap driver errors with it.
	ErrStoreUnavailable = errors.New("checkpoint store unavailable")

	// ErrLeaseHeld is returned when another writer holds the thread lease.
	ErrLeaseHeld = errors.New("thread lease held by another writer")
)

// Lease is an exclusive per-thread write lease. It must be released when
// the run finishes; backends may also expire it after a TTL.
type Lease interface {
	Release(ctx context.Context) error
}

// Store is the checkpoint persistence interface. At most one writer per
// thread is active at a time, enforced through AcquireLease.
type Store interface {
	// Put appends a checkpoint. The checkpoint's ParentID must match the
	// current tip of the thread (empty for the first checkpoint);
	// otherwise Put fails with ErrConflictingWrite.
	Put(ctx context.Context, cp *Checkpoint) error

	// PutWrites buffers a node output against an existing checkpoint,
	// keyed by (thread, checkpoint, task). Writing the same key twice
	// overwrites.
	PutWrites(ctx context.Context, threadID, checkpointID, taskID string, update state.Partial) error

	// GetWrites returns the pending writes buffered against a checkpoint.
	GetWrites(ctx context.Context, threadID, checkpointID string) ([]PendingWrite, error)

	// GetTuple returns the latest checkpoint for a thread, or
	// ErrThreadNotFound.
	GetTuple(ctx context.Context, threadID string) (*Checkpoint, error)

	// List returns the thread's checkpoints oldest first.
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// DeleteThread removes a thread's checkpoints and pending writes.
	DeleteThread(ctx context.Context, threadID string) error

	// AcquireLease takes the exclusive write lease for a thread, failing
	// with ErrLeaseHeld if another writer holds it.
	AcquireLease(ctx context.Context, threadID string, ttl time.Duration) (Lease, error)
}
