package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lily-agent/server/internal/agent/model"
	errx "github.com/lily-agent/server/internal/core/error"
	logx "github.com/lily-agent/server/pkg/logger"
)

// RedisCheckpointStore persists checkpoints as JSON snapshots keyed by
// thread. Commits are optimistic: the key is WATCHed, the stored version is
// compared against the expected one, and a racing writer turns the
// transaction into a version conflict.
type RedisCheckpointStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCheckpointStore(rdb *redis.Client, ttl time.Duration) *RedisCheckpointStore {
	return &RedisCheckpointStore{rdb: rdb, ttl: ttl}
}

func (s *RedisCheckpointStore) checkpointKey(threadID string) string {
	return fmt.Sprintf("thread:%s:checkpoint", threadID)
}

func (s *RedisCheckpointStore) Load(ctx context.Context, threadID string) (*model.Checkpoint, error) {
	key := s.checkpointKey(threadID)

	raw, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", errx.ErrThreadNotFound, threadID)
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load checkpoint from redis")
		return nil, errx.WrapRedis(err)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to unmarshal checkpoint")
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.State == nil {
		cp.State = model.NewConversationState()
	}
	cp.ThreadID = threadID
	return &cp, nil
}

func (s *RedisCheckpointStore) Commit(ctx context.Context, threadID string, expectedVersion int64, newState *model.ConversationState) (int64, error) {
	key := s.checkpointKey(threadID)
	next := expectedVersion + 1

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		var current int64
		switch {
		case errors.Is(err, redis.Nil):
			current = 0
		case err != nil:
			return errx.WrapRedis(err)
		default:
			var cp model.Checkpoint
			if err := json.Unmarshal([]byte(raw), &cp); err != nil {
				return fmt.Errorf("unmarshal checkpoint: %w", err)
			}
			current = cp.Version
		}

		if current != expectedVersion {
			return fmt.Errorf("%w: thread %s at version %d, expected %d", errx.ErrVersionConflict, threadID, current, expectedVersion)
		}

		b, err := json.Marshal(&model.Checkpoint{ThreadID: threadID, State: newState, Version: next})
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, s.ttl)
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// A concurrent writer touched the key between watch and exec.
			return 0, fmt.Errorf("%w: thread %s lost commit race", errx.ErrVersionConflict, threadID)
		}
		if errors.Is(err, errx.ErrVersionConflict) {
			return 0, err
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to commit checkpoint to redis")
		return 0, err
	}
	return next, nil
}

var _ model.CheckpointStore = (*RedisCheckpointStore)(nil)
