package repo

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lily-agent/server/internal/agent/model"
	errx "github.com/lily-agent/server/internal/core/error"
)

func TestMemoryLoadUnknownThread(t *testing.T) {
	store := NewMemoryCheckpointStore()

	_, err := store.Load(context.Background(), "no-such-thread")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errx.ErrThreadNotFound))
}

func TestMemoryCommitLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	state := model.NewConversationState()
	state.Append(schema.User, "hi")
	state.Append(schema.Assistant, "hello")
	state.Route = model.RouteAnswer

	version, err := store.Commit(ctx, "t1", 0, state)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	cp, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", cp.ThreadID)
	assert.Equal(t, int64(1), cp.Version)
	require.Len(t, cp.State.Transcript, 2)
	assert.Equal(t, model.RouteAnswer, cp.State.Route)

	// Loading twice yields the same snapshot.
	again, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, cp.Version, again.Version)
	assert.Equal(t, cp.State.Transcript, again.State.Transcript)
}

func TestMemoryLoadReturnsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	state := model.NewConversationState()
	state.Append(schema.User, "hi")
	_, err := store.Commit(ctx, "t1", 0, state)
	require.NoError(t, err)

	cp, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	cp.State.Transcript[0].Content = "tampered"
	cp.State.Append(schema.Assistant, "extra")

	fresh, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, fresh.State.Transcript, 1)
	assert.Equal(t, "hi", fresh.State.Transcript[0].Content)
}

func TestMemoryCommitVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	state := model.NewConversationState()
	state.Append(schema.User, "hi")

	_, err := store.Commit(ctx, "t1", 0, state)
	require.NoError(t, err)

	// A second writer still holding the pre-commit version must be rejected.
	_, err = store.Commit(ctx, "t1", 0, state)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errx.ErrVersionConflict))

	// The thread stays at the winner's version.
	cp, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.Version)
}

func TestMemoryConcurrentCommitsOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	state := model.NewConversationState()
	state.Append(schema.User, "hi")
	_, err := store.Commit(ctx, "t1", 0, state)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := state.Clone()
			next.Append(schema.Assistant, "racing reply")
			_, err := store.Commit(ctx, "t1", 1, next)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.True(t, errors.Is(err, errx.ErrVersionConflict))
		conflicts++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	cp, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Version)
	assert.Len(t, cp.State.Transcript, 2)
}
