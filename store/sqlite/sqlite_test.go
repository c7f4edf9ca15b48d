package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := NewSqliteStore(SqliteOptions{Path: filepath.Join(t.TempDir(), "checkpoints.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func checkpoint(threadID, id, parentID string, step int) *store.Checkpoint {
	return &store.Checkpoint{
		ID:       id,
		ThreadID: threadID,
		ParentID: parentID,
		Step:     step,
		Source:   "input",
		Next:     "analyzeRecord",
		State: state.ThreadState{
			Record: &state.Record{ID: "r1", Title: "Invoice 1001", Status: state.RecordOpen},
			Messages: []state.Message{
				{Role: state.RoleAssistant, Content: "needs_email"},
			},
			Attempts:       1,
			WorkflowStatus: state.WorkflowRunning,
		},
		CreatedAt: time.Now(),
	}
}

func TestPutAndGetTupleRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := checkpoint("t1", "cp_000000_a", "", 0)
	cp.Interrupted = true
	cp.Next = "waitForResponse"
	require.NoError(t, s.Put(ctx, cp))

	tip, err := s.GetTuple(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, cp.ID, tip.ID)
	assert.Equal(t, "", tip.ParentID)
	assert.Equal(t, "waitForResponse", tip.Next)
	assert.True(t, tip.Interrupted)
	assert.Equal(t, 1, tip.State.Attempts)
	require.NotNil(t, tip.State.Record)
	assert.Equal(t, "Invoice 1001", tip.State.Record.Title)
	require.Len(t, tip.State.Messages, 1)
	assert.Equal(t, "needs_email", tip.State.Messages[0].Content)
}

func TestPutValidatesParentPointer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, checkpoint("t1", "cp_000000_a", "", 0)))
	require.NoError(t, s.Put(ctx, checkpoint("t1", "cp_000001_b", "cp_000000_a", 1)))

	err := s.Put(ctx, checkpoint("t1", "cp_000001_c", "cp_000000_a", 1))
	assert.ErrorIs(t, err, store.ErrConflictingWrite)
}

func TestGetTupleUnknownThread(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTuple(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrThreadNotFound)
}

func TestListOrdersByStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, checkpoint("t1", "cp_000000_a", "", 0)))
	require.NoError(t, s.Put(ctx, checkpoint("t1", "cp_000001_b", "cp_000000_a", 1)))
	require.NoError(t, s.Put(ctx, checkpoint("t1", "cp_000002_c", "cp_000001_b", 2)))

	chain, err := s.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	for i, cp := range chain {
		assert.Equal(t, i, cp.Step)
	}
}

func TestPendingWritesOverwriteSameTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutWrites(ctx, "t1", "cp_000000_a", "sendEmail", state.Partial{Attempts: state.Ptr(1)}))
	require.NoError(t, s.PutWrites(ctx, "t1", "cp_000000_a", "sendEmail", state.Partial{Attempts: state.Ptr(2)}))
	require.NoError(t, s.PutWrites(ctx, "t1", "cp_000000_a", "sendCall", state.Partial{Attempts: state.Ptr(5)}))

	writes, err := s.GetWrites(ctx, "t1", "cp_000000_a")
	require.NoError(t, err)
	require.Len(t, writes, 2)

	byTask := map[string]int{}
	for _, pw := range writes {
		byTask[pw.TaskID] = *pw.Update.Attempts
	}
	assert.Equal(t, 2, byTask["sendEmail"])
	assert.Equal(t, 5, byTask["sendCall"])
}

func TestDeleteThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, checkpoint("t1", "cp_000000_a", "", 0)))
	require.NoError(t, s.PutWrites(ctx, "t1", "cp_000000_a", "sendEmail", state.Partial{}))

	require.NoError(t, s.DeleteThread(ctx, "t1"))

	_, err := s.GetTuple(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrThreadNotFound)
	writes, err := s.GetWrites(ctx, "t1", "cp_000000_a")
	require.NoError(t, err)
	assert.Empty(t, writes)
}

func TestLeaseExclusivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease, err := s.AcquireLease(ctx, "t1", time.Minute)
	require.NoError(t, err)

	_, err = s.AcquireLease(ctx, "t1", time.Minute)
	assert.ErrorIs(t, err, store.ErrLeaseHeld)

	require.NoError(t, lease.Release(ctx))
	again, err := s.AcquireLease(ctx, "t1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLease(ctx, "t1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	lease, err := s.AcquireLease(ctx, "t1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestStaleLeaseReleaseKeepsCurrentHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale, err := s.AcquireLease(ctx, "t1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	current, err := s.AcquireLease(ctx, "t1", time.Minute)
	require.NoError(t, err)

	// The stale handle's token no longer matches the row; the delete is a
	// no-op and the current holder keeps exclusivity.
	require.NoError(t, stale.Release(ctx))
	_, err = s.AcquireLease(ctx, "t1", time.Minute)
	assert.ErrorIs(t, err, store.ErrLeaseHeld)

	require.NoError(t, current.Release(ctx))
}
