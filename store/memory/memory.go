// Package memory provides an in-memory checkpoint store. It backs the eval
// harness and tests; nothing survives a process restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
)

// MemoryStore implements store.Store with mutex-guarded maps.
type MemoryStore struct {
	mu       sync.Mutex
	threads  map[string][]*store.Checkpoint
	writes   map[string]map[string][]store.PendingWrite // threadID -> checkpointID -> writes
	writeIdx map[string]map[string]map[string]int       // threadID -> checkpointID -> taskID -> index
	leases   map[string]*memoryLease
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string][]*store.Checkpoint),
		writes:   make(map[string]map[string][]store.PendingWrite),
		writeIdx: make(map[string]map[string]map[string]int),
		leases:   make(map[string]*memoryLease),
	}
}

var _ store.Store = (*MemoryStore)(nil)

// Put appends a checkpoint, validating the parent pointer against the tip.
func (s *MemoryStore) Put(ctx context.Context, cp *store.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.threads[cp.ThreadID]
	tip := ""
	if len(chain) > 0 {
		tip = chain[len(chain)-1].ID
	}
	if cp.ParentID != tip {
		return fmt.Errorf("%w: parent %q is not tip %q", store.ErrConflictingWrite, cp.ParentID, tip)
	}

	saved := *cp
	saved.State = *cp.State.Clone()
	s.threads[cp.ThreadID] = append(chain, &saved)
	return nil
}

// PutWrites buffers a node output against a checkpoint.
func (s *MemoryStore) PutWrites(ctx context.Context, threadID, checkpointID, taskID string, update state.Partial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writes[threadID] == nil {
		s.writes[threadID] = make(map[string][]store.PendingWrite)
		s.writeIdx[threadID] = make(map[string]map[string]int)
	}
	if s.writeIdx[threadID][checkpointID] == nil {
		s.writeIdx[threadID][checkpointID] = make(map[string]int)
	}

	pw := store.PendingWrite{TaskID: taskID, Update: update, CreatedAt: time.Now()}
	if idx, ok := s.writeIdx[threadID][checkpointID][taskID]; ok {
		s.writes[threadID][checkpointID][idx] = pw
		return nil
	}
	s.writeIdx[threadID][checkpointID][taskID] = len(s.writes[threadID][checkpointID])
	s.writes[threadID][checkpointID] = append(s.writes[threadID][checkpointID], pw)
	return nil
}

// GetWrites returns the pending writes for a checkpoint in insertion order.
func (s *MemoryStore) GetWrites(ctx context.Context, threadID, checkpointID string) ([]store.PendingWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buffered := s.writes[threadID][checkpointID]
	out := make([]store.PendingWrite, len(buffered))
	copy(out, buffered)
	return out, nil
}

// GetTuple returns the latest checkpoint for a thread.
func (s *MemoryStore) GetTuple(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.threads[threadID]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrThreadNotFound, threadID)
	}
	tip := *chain[len(chain)-1]
	tip.State = *chain[len(chain)-1].State.Clone()
	return &tip, nil
}

// List returns the thread's checkpoints oldest first.
func (s *MemoryStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.threads[threadID]
	out := make([]*store.Checkpoint, 0, len(chain))
	for _, cp := range chain {
		saved := *cp
		saved.State = *cp.State.Clone()
		out = append(out, &saved)
	}
	return out, nil
}

// DeleteThread removes a thread's history.
func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.threads, threadID)
	delete(s.writes, threadID)
	delete(s.writeIdx, threadID)
	return nil
}

type memoryLease struct {
	store    *MemoryStore
	threadID string
	expires  time.Time
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if s, ok := l.store.leases[l.threadID]; ok && s == l {
		delete(l.store.leases, l.threadID)
	}
	return nil
}

// AcquireLease takes the per-thread write lease. Expired leases are
// reclaimed.
func (s *MemoryStore) AcquireLease(ctx context.Context, threadID string, ttl time.Duration) (store.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.leases[threadID]; ok && time.Now().Before(held.expires) {
		return nil, fmt.Errorf("%w: %s", store.ErrLeaseHeld, threadID)
	}
	lease := &memoryLease{store: s, threadID: threadID, expires: time.Now().Add(ttl)}
	s.leases[threadID] = lease
	return lease, nil
}
