// Package postgres provides a PostgreSQL checkpoint store backed by pgx.
// Per-thread write exclusivity uses a lease table with TTL expiry, so it is
// safe across processes and across pooled connections.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements store.Store using PostgreSQL
type PostgresStore struct {
	pool DBPool
}

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString string
}

// NewPostgresStore creates a new Postgres checkpoint store
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool creates a new Postgres checkpoint store with an
// existing pool. Useful for testing with mocks.
func NewPostgresStoreWithPool(pool DBPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ store.Store = (*PostgresStore)(nil)

// InitSchema creates the necessary tables if they don't exist
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			step INTEGER NOT NULL,
			source TEXT NOT NULL,
			next TEXT NOT NULL DEFAULT '',
			interrupted BOOLEAN NOT NULL DEFAULT FALSE,
			state JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_id ON checkpoints (thread_id, step);
		CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			writes JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id, task_id)
		);
		CREATE TABLE IF NOT EXISTS thread_leases (
			thread_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Put appends a checkpoint, validating the parent pointer against the
// current tip inside a transaction.
func (s *PostgresStore) Put(ctx context.Context, cp *store.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var tip string
	err = tx.QueryRow(ctx,
		`SELECT id FROM checkpoints WHERE thread_id = $1 ORDER BY step DESC LIMIT 1 FOR UPDATE`,
		cp.ThreadID,
	).Scan(&tip)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read tip: %w", err)
	}
	if cp.ParentID != tip {
		return fmt.Errorf("%w: parent %q is not tip %q", store.ErrConflictingWrite, cp.ParentID, tip)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO checkpoints (id, thread_id, parent_id, step, source, next, interrupted, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, cp.ID, cp.ThreadID, cp.ParentID, cp.Step, cp.Source, cp.Next, cp.Interrupted, stateJSON, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return tx.Commit(ctx)
}

// PutWrites buffers a node output against a checkpoint.
func (s *PostgresStore) PutWrites(ctx context.Context, threadID, checkpointID, taskID string, update state.Partial) error {
	writesJSON, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal writes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pending_writes (thread_id, checkpoint_id, task_id, writes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id, checkpoint_id, task_id) DO UPDATE SET
			writes = EXCLUDED.writes,
			created_at = EXCLUDED.created_at
	`, threadID, checkpointID, taskID, writesJSON, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save pending writes: %w", err)
	}
	return nil
}

// GetWrites returns the pending writes for a checkpoint.
func (s *PostgresStore) GetWrites(ctx context.Context, threadID, checkpointID string) ([]store.PendingWrite, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, writes, created_at
		FROM pending_writes
		WHERE thread_id = $1 AND checkpoint_id = $2
		ORDER BY created_at ASC
	`, threadID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending writes: %w", err)
	}
	defer rows.Close()

	var writes []store.PendingWrite
	for rows.Next() {
		var pw store.PendingWrite
		var writesJSON []byte
		if err := rows.Scan(&pw.TaskID, &writesJSON, &pw.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending write row: %w", err)
		}
		if err := json.Unmarshal(writesJSON, &pw.Update); err != nil {
			return nil, fmt.Errorf("failed to unmarshal writes: %w", err)
		}
		writes = append(writes, pw)
	}
	return writes, rows.Err()
}

// GetTuple returns the latest checkpoint for a thread.
func (s *PostgresStore) GetTuple(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, thread_id, parent_id, step, source, next, interrupted, state, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY step DESC
		LIMIT 1
	`, threadID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrThreadNotFound, threadID)
	}
	return cp, err
}

// List returns the thread's checkpoints oldest first.
func (s *PostgresStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, parent_id, step, source, next, interrupted, state, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY step ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*store.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// DeleteThread removes a thread's checkpoints and pending writes.
func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM pending_writes WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to delete pending writes: %w", err)
	}
	return nil
}

type pgLease struct {
	pool     DBPool
	threadID string
	token    string
}

func (l *pgLease) Release(ctx context.Context) error {
	_, err := l.pool.Exec(ctx,
		`DELETE FROM thread_leases WHERE thread_id = $1 AND token = $2`,
		l.threadID, l.token)
	return err
}

// AcquireLease takes the per-thread write lease through the lease table.
// Expired rows are reclaimed; a lease can only be released with its token.
func (s *PostgresStore) AcquireLease(ctx context.Context, threadID string, ttl time.Duration) (store.Lease, error) {
	token := uuid.New().String()
	now := time.Now()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO thread_leases (thread_id, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id) DO UPDATE SET
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at
		WHERE thread_leases.expires_at < $4
	`, threadID, token, now.Add(ttl), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrLeaseHeld, threadID)
	}
	return &pgLease{pool: s.pool, threadID: threadID, token: token}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var stateJSON []byte

	err := row.Scan(&cp.ID, &cp.ThreadID, &cp.ParentID, &cp.Step, &cp.Source, &cp.Next, &cp.Interrupted, &stateJSON, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &cp, nil
}
