package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_SaveAndUpdateRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	started := time.Now().Add(-time.Minute).Truncate(time.Second)
	record := &RunRecord{
		ID:        "run-1",
		Kind:      "stage3",
		Status:    StatusRunning,
		StartedAt: started,
	}
	require.NoError(t, store.SaveRun(ctx, record))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.True(t, started.Equal(got.StartedAt))

	finished := time.Now().Truncate(time.Second)
	record.Status = StatusPartial
	record.Processed = 40
	record.Total = 100
	record.Message = "stalled"
	record.Notes = []string{"no progress after 3 attempts"}
	record.FinishedAt = &finished
	require.NoError(t, store.SaveRun(ctx, record))

	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, got.Status)
	assert.Equal(t, int64(40), got.Processed)
	assert.Equal(t, []string{"no progress after 3 attempts"}, got.Notes)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))
}

func TestSQLiteStore_GetMissingRun(t *testing.T) {
	got, err := newStore(t).GetRun(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_ListDeleteClear(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveRun(ctx, &RunRecord{
			ID:        id,
			Kind:      "full",
			Status:    StatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	require.NoError(t, store.DeleteRun(ctx, "c"))
	runs, err = store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	require.NoError(t, store.Clear(ctx))
	runs, err = store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSQLiteStore_Closed(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	err := store.SaveRun(context.Background(), &RunRecord{ID: "x", StartedAt: time.Now()})
	assert.ErrorIs(t, err, ErrClosed)
}
