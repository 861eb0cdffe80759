package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/convoy/internal/types"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "convoy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(role types.Role, text string) types.Message {
	return types.Message{Role: role, Text: text, CreatedAt: time.Now().UTC()}
}

func TestCheckpointLifecycle(t *testing.T) {
	s := openTest(t)
	cps := s.Checkpoints()
	ctx := context.Background()
	id := types.NewConversationID()

	_, err := cps.Get(ctx, id)
	assert.ErrorIs(t, err, types.ErrNotFound)

	v1 := (*types.Checkpoint)(nil).Next(id, []types.Message{msg(types.RoleHuman, "hello")}, time.Now())
	require.NoError(t, cps.Put(ctx, id, v1, types.CheckpointMetadata{Source: "test", RequestID: "r1"}))

	got, err := cps.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, id, got.ConversationID)
	require.Len(t, got.ChannelValues.Messages, 1)
	assert.Equal(t, "hello", got.ChannelValues.Messages[0].Text)
	assert.Equal(t, 1, got.ChannelVersions[types.ChannelMessages])

	stale := (*types.Checkpoint)(nil).Next(id, []types.Message{msg(types.RoleHuman, "other")}, time.Now())
	assert.ErrorIs(t, cps.Put(ctx, id, stale, types.CheckpointMetadata{}), types.ErrConflict)

	got, err = cps.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.ChannelValues.Messages[0].Text)

	v2 := got.Next(id, []types.Message{msg(types.RoleAssistant, "hi")}, time.Now())
	require.NoError(t, cps.Put(ctx, id, v2, types.CheckpointMetadata{}))
	msgs, err := cps.ListMessages(ctx, id)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	shrunk := &types.Checkpoint{Version: 3}
	assert.ErrorIs(t, cps.Put(ctx, id, shrunk, types.CheckpointMetadata{}), types.ErrHistoryRegression)
}

func TestCheckpointDigestVerified(t *testing.T) {
	s := openTest(t)
	cps := s.Checkpoints()
	ctx := context.Background()
	id := types.NewConversationID()

	v1 := (*types.Checkpoint)(nil).Next(id, []types.Message{msg(types.RoleHuman, "x")}, time.Now())
	require.NoError(t, cps.Put(ctx, id, v1, types.CheckpointMetadata{}))

	_, err := s.db.Exec(`UPDATE checkpoints SET digest = ? WHERE conversation_id = ?`, make([]byte, 32), id)
	require.NoError(t, err)

	_, err = cps.Get(ctx, id)
	assert.ErrorContains(t, err, "digest mismatch")
}

func TestCheckpointConcurrentPut(t *testing.T) {
	s := openTest(t)
	cps := s.Checkpoints()
	ctx := context.Background()
	id := types.NewConversationID()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins int
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cp := (*types.Checkpoint)(nil).Next(id, []types.Message{msg(types.RoleHuman, fmt.Sprint(i))}, time.Now())
			err := cps.Put(ctx, id, cp, types.CheckpointMetadata{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, types.ErrConflict), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCheckpointHistoryAndPrune(t *testing.T) {
	s := openTest(t)
	cps := s.Checkpoints()
	ctx := context.Background()
	id := types.NewConversationID()

	var cp *types.Checkpoint
	for i := 0; i < 4; i++ {
		cp = cp.Next(id, []types.Message{msg(types.RoleHuman, fmt.Sprint(i))}, time.Now())
		require.NoError(t, cps.Put(ctx, id, cp, types.CheckpointMetadata{}))
	}

	hist, err := cps.History(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 3, hist[0].Version)
	assert.Equal(t, 4, hist[1].Version)

	removed, err := cps.Prune(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	latest, err := cps.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, latest.Version)
}

func TestUpdateState(t *testing.T) {
	s := openTest(t)
	cps := s.Checkpoints()
	ctx := context.Background()
	id := types.NewConversationID()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, cps.UpdateState(ctx, id, func(st *types.ConversationState) error {
		st.MemoriesStored = 2
		st.LastMemoryAt = now
		return nil
	}))
	err := cps.UpdateState(ctx, id, func(st *types.ConversationState) error {
		st.MemoriesStored = 100
		return errors.New("quota exceeded")
	})
	assert.EqualError(t, err, "quota exceeded")

	require.NoError(t, cps.UpdateState(ctx, id, func(st *types.ConversationState) error {
		assert.Equal(t, 2, st.MemoriesStored)
		assert.True(t, st.LastMemoryAt.Equal(now))
		return nil
	}))
}

func TestConversations(t *testing.T) {
	s := openTest(t)
	convs := s.Conversations()
	ctx := context.Background()
	alice := types.Identity{UserID: "alice"}
	anon := types.Identity{AnonymousSession: "sess-1"}

	c1, created, err := convs.ResolveOrCreate(ctx, "", alice, "Plan the offsite agenda")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Plan the offsite agenda", c1.Subject)

	same, created, err := convs.ResolveOrCreate(ctx, c1.ID, alice, "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.Subject, same.Subject)

	_, _, err = convs.ResolveOrCreate(ctx, c1.ID, anon, "hijack")
	assert.ErrorIs(t, err, types.ErrForbidden)

	c2, _, err := convs.ResolveOrCreate(ctx, "", anon, "anonymous question")
	require.NoError(t, err)

	require.NoError(t, convs.Touch(ctx, c1.ID, 5))
	got, err := convs.Get(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.LatestCheckpoint)
	require.NoError(t, convs.Touch(ctx, c1.ID, 2))
	got, _ = convs.Get(ctx, c1.ID)
	assert.Equal(t, 5, got.LatestCheckpoint)

	list, err := convs.List(ctx, &anon)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c2.ID, list[0].ID)

	all, err := convs.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = convs.Get(ctx, types.NewConversationID())
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, convs.Touch(ctx, types.NewConversationID(), 1), types.ErrNotFound)
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoy.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}
