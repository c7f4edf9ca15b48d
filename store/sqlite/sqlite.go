// Package sqlite provides a single-file SQLite checkpoint store, suitable
// for single-process deployments and local development.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
)

// SqliteStore implements store.Store using SQLite.
type SqliteStore struct {
	db *sql.DB
}

// SqliteOptions configuration for SQLite connection
type SqliteOptions struct {
	Path string
}

// NewSqliteStore opens (and initializes) a SQLite checkpoint store.
func NewSqliteStore(opts SqliteOptions) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	s := &SqliteStore{db: db}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var _ store.Store = (*SqliteStore)(nil)

// InitSchema creates the checkpoint tables if they do not exist.
func (s *SqliteStore) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			step INTEGER NOT NULL,
			source TEXT NOT NULL,
			next TEXT NOT NULL DEFAULT '',
			interrupted INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_id ON checkpoints (thread_id, step);
		CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			writes TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id, task_id)
		);
		CREATE TABLE IF NOT EXISTS thread_leases (
			thread_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// Put appends a checkpoint inside a transaction, validating the parent
// pointer against the current tip.
func (s *SqliteStore) Put(ctx context.Context, cp *store.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var tip string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT 1`,
		cp.ThreadID,
	).Scan(&tip)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read tip: %w", err)
	}
	if cp.ParentID != tip {
		return fmt.Errorf("%w: parent %q is not tip %q", store.ErrConflictingWrite, cp.ParentID, tip)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, parent_id, step, source, next, interrupted, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.ThreadID, cp.ParentID, cp.Step, cp.Source, cp.Next, boolToInt(cp.Interrupted), string(stateJSON), cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return tx.Commit()
}

// PutWrites buffers a node output against a checkpoint.
func (s *SqliteStore) PutWrites(ctx context.Context, threadID, checkpointID, taskID string, update state.Partial) error {
	writesJSON, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal writes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_writes (thread_id, checkpoint_id, task_id, writes, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_id, task_id) DO UPDATE SET
			writes = excluded.writes,
			created_at = excluded.created_at
	`, threadID, checkpointID, taskID, string(writesJSON), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save pending writes: %w", err)
	}
	return nil
}

// GetWrites returns the pending writes for a checkpoint.
func (s *SqliteStore) GetWrites(ctx context.Context, threadID, checkpointID string) ([]store.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, writes, created_at
		FROM pending_writes
		WHERE thread_id = ? AND checkpoint_id = ?
		ORDER BY created_at ASC
	`, threadID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending writes: %w", err)
	}
	defer rows.Close()

	var writes []store.PendingWrite
	for rows.Next() {
		var pw store.PendingWrite
		var writesJSON string
		if err := rows.Scan(&pw.TaskID, &writesJSON, &pw.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending write row: %w", err)
		}
		if err := json.Unmarshal([]byte(writesJSON), &pw.Update); err != nil {
			return nil, fmt.Errorf("failed to unmarshal writes: %w", err)
		}
		writes = append(writes, pw)
	}
	return writes, rows.Err()
}

// GetTuple returns the latest checkpoint for a thread.
func (s *SqliteStore) GetTuple(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, parent_id, step, source, next, interrupted, state, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY step DESC
		LIMIT 1
	`, threadID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrThreadNotFound, threadID)
	}
	return cp, err
}

// List returns the thread's checkpoints oldest first.
func (s *SqliteStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, parent_id, step, source, next, interrupted, state, created_at
		FROM checkpoints
		WHERE thread_id = ?
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
func (s *SqliteStore) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_writes WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete pending writes: %w", err)
	}
	return nil
}

type sqliteLease struct {
	store    *SqliteStore
	threadID string
	token    string
}

func (l *sqliteLease) Release(ctx context.Context) error {
	_, err := l.store.db.ExecContext(ctx,
		`DELETE FROM thread_leases WHERE thread_id = ? AND token = ?`,
		l.threadID, l.token)
	return err
}

// AcquireLease takes the per-thread write lease through the lease table.
// Expired rows are reclaimed.
func (s *SqliteStore) AcquireLease(ctx context.Context, threadID string, ttl time.Duration) (store.Lease, error) {
	token := uuid.New().String()
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_leases (thread_id, token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE thread_leases.expires_at < ?
	`, threadID, token, now.Add(ttl), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrLeaseHeld, threadID)
	}
	return &sqliteLease{store: s, threadID: threadID, token: token}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var stateJSON string
	var interrupted int

	err := row.Scan(&cp.ID, &cp.ThreadID, &cp.ParentID, &cp.Step, &cp.Source, &cp.Next, &interrupted, &stateJSON, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.Interrupted = interrupted != 0
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &cp, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
