package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/queryflow/types"
)

// storeUnderTest builds each CheckpointStore implementation so the whole
// contract runs against all of them.
func storesUnderTest(t *testing.T) map[string]CheckpointStore {
	t.Helper()

	mr := miniredis.RunT(t)
	redisStore := NewRedisCheckpointStoreFromClient(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", time.Hour)
	t.Cleanup(func() { _ = redisStore.Close() })

	gormStore, err := NewGormCheckpointStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)

	return map[string]CheckpointStore{
		"memory": NewInMemoryCheckpointStore(),
		"redis":  redisStore,
		"sqlite": gormStore,
	}
}

func sampleCheckpoint(id, sessionID string) *Checkpoint {
	state := types.NewState("total revenue", types.ModeInteractive)
	state.RelevantDatabases = []string{"sales"}
	state.PendingReview = &types.PendingReview{Type: types.ReviewDatabases, Items: []string{"sales"}}
	state.CurrentStep = types.StepCompleted(types.StageDatabaseHumanReview)
	return &Checkpoint{
		ID:        id,
		SessionID: sessionID,
		State:     state,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestCheckpointStore_Contract(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("save and load round trip", func(t *testing.T) {
				cp := sampleCheckpoint("cp-1", "sess-1")
				require.NoError(t, store.Save(ctx, cp))

				loaded, err := store.Load(ctx, "cp-1")
				require.NoError(t, err)
				assert.Equal(t, "cp-1", loaded.ID)
				assert.Equal(t, "sess-1", loaded.SessionID)
				require.NotNil(t, loaded.State)
				assert.Equal(t, "total revenue", loaded.State.Query)
				assert.Equal(t, []string{"sales"}, loaded.State.RelevantDatabases)
				require.NotNil(t, loaded.State.PendingReview)
				assert.Equal(t, types.ReviewDatabases, loaded.State.PendingReview.Type)
			})

			t.Run("load by session returns the latest", func(t *testing.T) {
				first := sampleCheckpoint("cp-a", "sess-2")
				first.CreatedAt = time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
				require.NoError(t, store.Save(ctx, first))

				second := sampleCheckpoint("cp-b", "sess-2")
				require.NoError(t, store.Save(ctx, second))

				loaded, err := store.LoadBySession(ctx, "sess-2")
				require.NoError(t, err)
				assert.Equal(t, "cp-b", loaded.ID)
			})

			t.Run("save without ID is rejected", func(t *testing.T) {
				assert.Error(t, store.Save(ctx, &Checkpoint{}))
			})

			t.Run("load missing checkpoint fails", func(t *testing.T) {
				_, err := store.Load(ctx, "never-saved")
				assert.Error(t, err)
			})

			t.Run("load by unknown session fails", func(t *testing.T) {
				_, err := store.LoadBySession(ctx, "never-started")
				assert.Error(t, err)
			})

			t.Run("delete removes data and session index", func(t *testing.T) {
				cp := sampleCheckpoint("cp-del", "sess-del")
				require.NoError(t, store.Save(ctx, cp))
				require.NoError(t, store.Delete(ctx, "cp-del"))

				_, err := store.Load(ctx, "cp-del")
				assert.Error(t, err)

				// Deleting again is not an error; discard is idempotent.
				assert.NoError(t, store.Delete(ctx, "cp-del"))
			})

			t.Run("save is an upsert", func(t *testing.T) {
				cp := sampleCheckpoint("cp-up", "sess-up")
				require.NoError(t, store.Save(ctx, cp))

				cp.State.RelevantDatabases = []string{"sales", "hr"}
				require.NoError(t, store.Save(ctx, cp))

				loaded, err := store.Load(ctx, "cp-up")
				require.NoError(t, err)
				assert.Equal(t, []string{"sales", "hr"}, loaded.State.RelevantDatabases)
			})
		})
	}
}

func TestInMemoryCheckpointStore_ConcurrentAccess(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	ctx := context.Background()

	done := make(chan error, 20)
	for i := 0; i < 10; i++ {
		go func(i int) {
			id := fmt.Sprintf("cp-%d", i)
			done <- store.Save(ctx, sampleCheckpoint(id, fmt.Sprintf("sess-%d", i)))
		}(i)
		go func(i int) {
			_, err := store.Load(ctx, fmt.Sprintf("cp-%d", i))
			_ = err // racing with the save; only the absence of a data race matters
			done <- nil
		}(i)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}
}

func TestRedisCheckpointStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisCheckpointStoreFromClient(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleCheckpoint("cp-ttl", "sess-ttl")))
	require.NoError(t, store.Ping(ctx))

	// Abandoned reviews expire instead of accumulating.
	mr.FastForward(2 * time.Minute)
	_, err := store.Load(ctx, "cp-ttl")
	assert.Error(t, err)
	_, err = store.LoadBySession(ctx, "sess-ttl")
	assert.Error(t, err)
}
