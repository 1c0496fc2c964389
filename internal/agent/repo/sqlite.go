package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lily-agent/server/internal/agent/model"
	errx "github.com/lily-agent/server/internal/core/error"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id TEXT PRIMARY KEY,
	state     BLOB NOT NULL,
	version   INTEGER NOT NULL
);`

// SQLiteCheckpointStore is the relational checkpoint backend. Commits run in
// a transaction with the stored version re-checked in the UPDATE predicate,
// so two writers racing from the same base version cannot both succeed.
type SQLiteCheckpointStore struct {
	db *sql.DB
}

func NewSQLiteCheckpointStore(ctx context.Context, dsn string) (*SQLiteCheckpointStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is in-process; a single writer connection avoids
	// SQLITE_BUSY churn under concurrent commits.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	return &SQLiteCheckpointStore{db: db}, nil
}

func (s *SQLiteCheckpointStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteCheckpointStore) Load(ctx context.Context, threadID string) (*model.Checkpoint, error) {
	var (
		raw     []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, version FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", errx.ErrThreadNotFound, threadID)
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	state := model.NewConversationState()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	return &model.Checkpoint{ThreadID: threadID, State: state, Version: version}, nil
}

func (s *SQLiteCheckpointStore) Commit(ctx context.Context, threadID string, expectedVersion int64, newState *model.ConversationState) (int64, error) {
	raw, err := json.Marshal(newState)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint state: %w", err)
	}
	next := expectedVersion + 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != 0 {
			return 0, fmt.Errorf("%w: thread %s has no checkpoint, expected version %d", errx.ErrVersionConflict, threadID, expectedVersion)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (thread_id, state, version) VALUES (?, ?, ?)`,
			threadID, raw, next,
		); err != nil {
			return 0, fmt.Errorf("insert checkpoint: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("read checkpoint version: %w", err)
	default:
		if current != expectedVersion {
			return 0, fmt.Errorf("%w: thread %s at version %d, expected %d", errx.ErrVersionConflict, threadID, current, expectedVersion)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE checkpoints SET state = ?, version = ? WHERE thread_id = ? AND version = ?`,
			raw, next, threadID, expectedVersion,
		)
		if err != nil {
			return 0, fmt.Errorf("update checkpoint: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return 0, fmt.Errorf("%w: thread %s raced during commit", errx.ErrVersionConflict, threadID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit checkpoint: %w", err)
	}
	return next, nil
}

var _ model.CheckpointStore = (*SQLiteCheckpointStore)(nil)
