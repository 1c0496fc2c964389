package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/lily-agent/server/internal/agent/model"
	errx "github.com/lily-agent/server/internal/core/error"
)

// MemoryCheckpointStore is the in-process checkpoint backend used by tests
// and local development. All reads and writes go through deep copies so a
// loaded snapshot can never alias the stored record.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*model.Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]*model.Checkpoint),
	}
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, threadID string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errx.ErrThreadNotFound, threadID)
	}
	return &model.Checkpoint{
		ThreadID: cp.ThreadID,
		State:    cp.State.Clone(),
		Version:  cp.Version,
	}, nil
}

func (s *MemoryCheckpointStore) Commit(ctx context.Context, threadID string, expectedVersion int64, newState *model.ConversationState) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if cp, ok := s.checkpoints[threadID]; ok {
		current = cp.Version
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: thread %s at version %d, expected %d", errx.ErrVersionConflict, threadID, current, expectedVersion)
	}

	next := current + 1
	s.checkpoints[threadID] = &model.Checkpoint{
		ThreadID: threadID,
		State:    newState.Clone(),
		Version:  next,
	}
	return next, nil
}

var _ model.CheckpointStore = (*MemoryCheckpointStore)(nil)
