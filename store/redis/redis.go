// Package redis provides a Redis checkpoint store. Checkpoints are JSON
// values indexed per thread through a list key; leases are SET NX keys with
// a TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
)

// RedisStore implements store.Store using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "outreachflow:"
	TTL      time.Duration // Expiration for checkpoints, default 0 (no expiration)
}

// NewRedisStore creates a new Redis checkpoint store
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "outreachflow:"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
	}
}

// NewRedisStoreWithClient creates a store over an existing client. Useful
// for testing with miniredis.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "outreachflow:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

var _ store.Store = (*RedisStore)(nil)

// Close releases the underlying client connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) chainKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:checkpoints", s.prefix, threadID)
}

func (s *RedisStore) writesKey(threadID, checkpointID string) string {
	return fmt.Sprintf("%sthread:%s:writes:%s", s.prefix, threadID, checkpointID)
}

func (s *RedisStore) leaseKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:lease", s.prefix, threadID)
}

// Put appends a checkpoint to the thread's chain after validating the
// parent pointer against the tip.
func (s *RedisStore) Put(ctx context.Context, cp *store.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	key := s.chainKey(cp.ThreadID)

	tip := ""
	last, err := s.client.LIndex(ctx, key, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	if err == nil {
		var tipCP store.Checkpoint
		if err := json.Unmarshal([]byte(last), &tipCP); err != nil {
			return fmt.Errorf("failed to unmarshal tip checkpoint: %w", err)
		}
		tip = tipCP.ID
	}
	if cp.ParentID != tip {
		return fmt.Errorf("%w: parent %q is not tip %q", store.ErrConflictingWrite, cp.ParentID, tip)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return nil
}

// PutWrites buffers a node output in a per-checkpoint hash keyed by task.
func (s *RedisStore) PutWrites(ctx context.Context, threadID, checkpointID, taskID string, update state.Partial) error {
	pw := store.PendingWrite{TaskID: taskID, Update: update, CreatedAt: time.Now()}
	data, err := json.Marshal(pw)
	if err != nil {
		return fmt.Errorf("failed to marshal writes: %w", err)
	}

	key := s.writesKey(threadID, checkpointID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, taskID, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return nil
}

// GetWrites returns the pending writes buffered against a checkpoint.
func (s *RedisStore) GetWrites(ctx context.Context, threadID, checkpointID string) ([]store.PendingWrite, error) {
	values, err := s.client.HGetAll(ctx, s.writesKey(threadID, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}

	var writes []store.PendingWrite
	for _, raw := range values {
		var pw store.PendingWrite
		if err := json.Unmarshal([]byte(raw), &pw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal writes: %w", err)
		}
		writes = append(writes, pw)
	}
	return writes, nil
}

// GetTuple returns the latest checkpoint for a thread.
func (s *RedisStore) GetTuple(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	last, err := s.client.LIndex(ctx, s.chainKey(threadID), -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", store.ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}

	var cp store.Checkpoint
	if err := json.Unmarshal([]byte(last), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns the thread's checkpoints oldest first.
func (s *RedisStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	values, err := s.client.LRange(ctx, s.chainKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}

	checkpoints := make([]*store.Checkpoint, 0, len(values))
	for _, raw := range values {
		var cp store.Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, nil
}

// DeleteThread removes a thread's chain, pending writes and lease.
func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	checkpoints, err := s.List(ctx, threadID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	for _, cp := range checkpoints {
		pipe.Del(ctx, s.writesKey(threadID, cp.ID))
	}
	pipe.Del(ctx, s.chainKey(threadID))
	pipe.Del(ctx, s.leaseKey(threadID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return nil
}

type redisLease struct {
	store    *RedisStore
	threadID string
	token    string
}

func (l *redisLease) Release(ctx context.Context) error {
	key := l.store.leaseKey(l.threadID)
	current, err := l.store.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != l.token {
		return nil
	}
	return l.store.client.Del(ctx, key).Err()
}

// AcquireLease takes the per-thread lease with SET NX and a TTL.
func (s *RedisStore) AcquireLease(ctx context.Context, threadID string, ttl time.Duration) (store.Lease, error) {
	token := uuid.New().String()
	ok, err := s.client.SetNX(ctx, s.leaseKey(threadID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrLeaseHeld, threadID)
	}
	return &redisLease{store: s, threadID: threadID, token: token}, nil
}
