package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pipeq/internal/engine"
)

func TestMemoryStorage_UpsertQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	q := &engine.Queue{Name: "alpha", Interval: time.Minute, Timeout: time.Second}
	require.NoError(t, storage.UpsertQueue(ctx, q))
	require.NotEqual(t, q.ID.String(), "00000000-0000-0000-0000-000000000000")

	// Re-applying the definition refreshes fields but keeps identity.
	updated := &engine.Queue{Name: "alpha", Interval: 2 * time.Minute}
	require.NoError(t, storage.UpsertQueue(ctx, updated))
	assert.Equal(t, q.ID, updated.ID)

	got, err := storage.GetQueueByName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, got.Interval)

	_, err = storage.GetQueueByName(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrQueueNotFound)
}

func TestMemoryStorage_AdvanceNextRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	q := &engine.Queue{Name: "cas"}
	require.NoError(t, storage.UpsertQueue(ctx, q))

	due := time.Now()
	require.NoError(t, storage.SetNextRun(ctx, q.ID, &due))

	next := due.Add(time.Minute)
	ok, err := storage.AdvanceNextRun(ctx, q.ID, due, &next)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claimer racing on the same due time must lose.
	ok, err = storage.AdvanceNextRun(ctx, q.ID, due, &next)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := storage.GetQueue(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))
}

func TestMemoryStorage_CompleteItem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	q := &engine.Queue{Name: "complete"}
	require.NoError(t, storage.UpsertQueue(ctx, q))

	run := &engine.Run{QueueID: q.ID}
	require.NoError(t, storage.CreateRun(ctx, run))

	items := []*engine.Item{{Index: 0}, {Index: 1}}
	require.NoError(t, storage.InsertItems(ctx, run.ID, items))

	got, _, err := storage.CompleteItem(ctx, items[0].ID, engine.ItemStatusOK, json.RawMessage(`"r"`), "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuccessCount)
	assert.False(t, got.Final(), "run is not final while an item is pending")

	got, applied, err := storage.CompleteItem(ctx, items[1].ID, engine.ItemStatusError, nil, "boom", time.Now())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, got.Final())
	assert.Equal(t, 1, got.FailureCount)

	// Transitions are monotonic: terminal items reject any further change.
	got, applied, err = storage.CompleteItem(ctx, items[1].ID, engine.ItemStatusOK, nil, "", time.Now())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 1, got.FailureCount)
}

func TestMemoryStorage_ExpireTimedOutItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	q := &engine.Queue{Name: "expiring", Timeout: time.Minute}
	require.NoError(t, storage.UpsertQueue(ctx, q))

	run := &engine.Run{QueueID: q.ID}
	require.NoError(t, storage.CreateRun(ctx, run))
	items := []*engine.Item{{Index: 0}, {Index: 1}}
	require.NoError(t, storage.InsertItems(ctx, run.ID, items))

	started := time.Now().Add(-2 * time.Minute)
	require.NoError(t, storage.MarkItemStarted(ctx, items[0].ID, "host", started))
	// The second item was never dispatched, so it has no timeout horizon.

	runs, err := storage.ExpireTimedOutItems(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].TimeoutCount)
	assert.False(t, runs[0].Final())

	// A repeated scan finds nothing new.
	runs, err = storage.ExpireTimedOutItems(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMemoryStorage_DeleteExpiredRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	q := &engine.Queue{Name: "retention", CleanupAfter: time.Millisecond}
	require.NoError(t, storage.UpsertQueue(ctx, q))

	// A final run past the horizon is collected.
	finalRun := &engine.Run{QueueID: q.ID}
	require.NoError(t, storage.CreateRun(ctx, finalRun))
	item := &engine.Item{Index: 0}
	require.NoError(t, storage.InsertItems(ctx, finalRun.ID, []*engine.Item{item}))
	runState, _, err := storage.CompleteItem(ctx, item.ID, engine.ItemStatusOK, nil, "", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, runState.Final())

	// A run still in flight survives regardless of age.
	busyRun := &engine.Run{QueueID: q.ID}
	require.NoError(t, storage.CreateRun(ctx, busyRun))
	require.NoError(t, storage.InsertItems(ctx, busyRun.ID, []*engine.Item{{Index: 0}}))

	deleted, err := storage.DeleteExpiredRuns(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = storage.GetRun(ctx, finalRun.ID)
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
	_, err = storage.GetRun(ctx, busyRun.ID)
	assert.NoError(t, err)
}
