package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreWithClient(client, "", 0), mr
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
			Record:         &state.Record{ID: "r1", Title: "Invoice 1001", Status: state.RecordOpen},
			Attempts:       1,
			WorkflowStatus: state.WorkflowRunning,
		},
		CreatedAt: time.Now(),
	}
}

func TestPutAndGetTupleRoundtrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cp := checkpoint("t1", "cp_000000_a", "", 0)
	require.NoError(t, s.Put(ctx, cp))

	tip, err := s.GetTuple(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, cp.ID, tip.ID)
	assert.Equal(t, "analyzeRecord", tip.Next)
	require.NotNil(t, tip.State.Record)
	assert.Equal(t, "Invoice 1001", tip.State.Record.Title)
	assert.Equal(t, 1, tip.State.Attempts)
}

func TestPutValidatesParentPointer(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, checkpoint("t1", "cp_000000_a", "", 0)))
	require.NoError(t, s.Put(ctx, checkpoint("t1", "cp_000001_b", "cp_000000_a", 1)))

	err := s.Put(ctx, checkpoint("t1", "cp_000001_c", "cp_000000_a", 1))
	assert.ErrorIs(t, err, store.ErrConflictingWrite)
}

func TestGetTupleUnknownThread(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetTuple(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrThreadNotFound)
}

func TestListOrdersByInsertion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, checkpoint("t1", "cp_000000_a", "", 0)))
	require.NoError(t, s.Put(ctx, checkpoint("t1", "cp_000001_b", "cp_000000_a", 1)))

	chain, err := s.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "cp_000000_a", chain[0].ID)
	assert.Equal(t, "cp_000001_b", chain[1].ID)
}

func TestPendingWritesOverwriteSameTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutWrites(ctx, "t1", "cp_000000_a", "sendEmail", state.Partial{Attempts: state.Ptr(1)}))
	require.NoError(t, s.PutWrites(ctx, "t1", "cp_000000_a", "sendEmail", state.Partial{Attempts: state.Ptr(2)}))

	writes, err := s.GetWrites(ctx, "t1", "cp_000000_a")
	require.NoError(t, err)
	require.Len(t, writes, 1)
	assert.Equal(t, "sendEmail", writes[0].TaskID)
	assert.Equal(t, 2, *writes[0].Update.Attempts)
}

func TestDeleteThread(t *testing.T) {
	s, _ := newTestStore(t)
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
	s, _ := newTestStore(t)
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

func TestLeaseExpiresAfterTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLease(ctx, "t1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	lease, err := s.AcquireLease(ctx, "t1", time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestStaleLeaseReleaseKeepsCurrentHolder(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	stale, err := s.AcquireLease(ctx, "t1", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = s.AcquireLease(ctx, "t1", time.Minute)
	require.NoError(t, err)

	// The stale handle's token no longer matches the key; release is a no-op.
	require.NoError(t, stale.Release(ctx))
	_, err = s.AcquireLease(ctx, "t1", time.Minute)
	assert.ErrorIs(t, err, store.ErrLeaseHeld)
}
