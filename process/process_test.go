package process_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jarosser06/ratio-sub000/process"
)

func TestInmemUpsertAndGet(t *testing.T) {
	store := process.NewInmemStore()
	ctx := context.Background()

	p := &process.Process{
		ProcessID:       "p1",
		ParentProcessID: process.RootParentSentinel,
		ExecutionStatus: process.StatusRunning,
		StartedOn:       time.Now(),
	}
	require.NoError(t, store.Upsert(ctx, p))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, process.StatusRunning, got.ExecutionStatus)
	require.True(t, got.IsRoot())
}

func TestInmemGetMissingReturnsErrNotFound(t *testing.T) {
	store := process.NewInmemStore()
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, process.ErrNotFound)
}

func TestInmemListChildrenPreservesOrder(t *testing.T) {
	store := process.NewInmemStore()
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, store.Upsert(ctx, &process.Process{
			ProcessID:       id,
			ParentProcessID: "parent",
			ExecutionStatus: process.StatusRunning,
			StartedOn:       time.Now(),
		}))
	}

	children, err := store.ListChildren(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, children, 3)
	require.Equal(t, "c1", children[0].ProcessID)
	require.Equal(t, "c3", children[2].ProcessID)
}

func TestInmemListRunningOlderThan(t *testing.T) {
	store := process.NewInmemStore()
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, store.Upsert(ctx, &process.Process{
		ProcessID: "stale", ParentProcessID: "p", ExecutionStatus: process.StatusRunning, StartedOn: old,
	}))
	require.NoError(t, store.Upsert(ctx, &process.Process{
		ProcessID: "fresh", ParentProcessID: "p", ExecutionStatus: process.StatusRunning, StartedOn: time.Now(),
	}))

	stale, err := store.ListRunningOlderThan(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "stale", stale[0].ProcessID)
}

func TestInmemCompareAndSwapDetectsConflict(t *testing.T) {
	store := process.NewInmemStore()
	ctx := context.Background()

	p := &process.Process{ProcessID: "p1", ParentProcessID: "SYSTEM", ExecutionStatus: process.StatusRunning, StartedOn: time.Now()}
	require.NoError(t, store.Upsert(ctx, p))

	updated := *p
	updated.ExecutionStatus = process.StatusCompleted
	require.NoError(t, store.CompareAndSwap(ctx, &updated, 0))

	// Second writer using the stale revision 0 should conflict.
	staleUpdate := *p
	staleUpdate.ExecutionStatus = process.StatusFailed
	err := store.CompareAndSwap(ctx, &staleUpdate, 0)
	require.ErrorIs(t, err, process.ErrConflict)
}

func TestAppendStatusMessage(t *testing.T) {
	p := &process.Process{}
	p.AppendStatusMessage("first")
	p.AppendStatusMessage("second")
	require.Equal(t, "first\nsecond", p.StatusMessage)
}

func TestStatusIsTerminal(t *testing.T) {
	require.False(t, process.StatusRunning.IsTerminal())
	require.True(t, process.StatusCompleted.IsTerminal())
	require.True(t, process.StatusTimedOut.IsTerminal())
}
