package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-studio/keystone/orchestrator/internal/store"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

func newRun(id, key string, age time.Duration) *models.Run {
	return &models.Run{
		ID:             id,
		Feature:        "pillars",
		Operation:      "validate",
		ModelID:        "gemini-2.0-flash",
		IdempotencyKey: key,
		RequestDigest:  "digest-" + id,
		Status:         models.RunRunning,
		CreatedAt:      time.Now().UTC().Add(-age),
	}
}

func TestMemoryStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.CreateRun(ctx, newRun("r1", "", 0)))

	got, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)

	got.Status = models.RunCompleted
	got.Response = &models.Response{Results: map[string]any{"status": "strong"}}
	require.NoError(t, st.UpdateRun(ctx, got))

	again, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, again.Status)
	assert.Equal(t, "strong", again.Response.Results["status"])
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	_, err := st.GetRun(ctx, "nope")
	var nf *store.ErrNotFound
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "run", nf.Entity)

	_, err = st.GetRunByIdempotencyKey(ctx, "nope")
	assert.True(t, errors.As(err, &nf))

	err = st.UpdateRun(ctx, newRun("ghost", "", 0))
	assert.True(t, errors.As(err, &nf))
}

func TestMemoryStore_IdempotencyKeyIndex(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.CreateRun(ctx, newRun("r1", "key-a", 0)))
	require.NoError(t, st.CreateRun(ctx, newRun("r2", "", 0)))

	got, err := st.GetRunByIdempotencyKey(ctx, "key-a")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
}

func TestMemoryStore_CreateRejectsHeldIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.CreateRun(ctx, newRun("r1", "key-a", 0)))

	err := st.CreateRun(ctx, newRun("r2", "key-a", 0))
	var conflict *store.ErrConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "key-a", conflict.Key)

	// The rejected run left no record behind.
	_, err = st.GetRun(ctx, "r2")
	var nf *store.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateRun(ctx, newRun("r1", "", 0)))

	got, _ := st.GetRun(ctx, "r1")
	got.Status = models.RunFailed

	again, _ := st.GetRun(ctx, "r1")
	assert.Equal(t, models.RunRunning, again.Status)
}

func TestMemoryStore_ListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateRun(ctx, newRun("old", "", time.Hour)))
	require.NoError(t, st.CreateRun(ctx, newRun("mid", "", time.Minute)))
	require.NoError(t, st.CreateRun(ctx, newRun("new", "", 0)))

	runs, err := st.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "mid", runs[1].ID)
}
