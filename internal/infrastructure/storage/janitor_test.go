package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitor_RunOnce(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	old, err := store.CreateExecution(ctx, "old", "", nil)
	require.NoError(t, err)
	old.StartedAt = time.Now().UTC().AddDate(0, 0, -10)
	require.NoError(t, store.SaveState(ctx, old))

	_, err = store.CreateExecution(ctx, "fresh", "", nil)
	require.NoError(t, err)

	janitor := NewJanitor(store, "0 3 * * *", 7, nil)
	janitor.RunOnce(ctx)

	summaries, err := store.ListExecutions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
	assert.Equal(t, "fresh", string(summaries[0].ID))
}

func TestJanitor_StartStop(t *testing.T) {
	t.Parallel()

	janitor := NewJanitor(NewMemoryStore(), "@daily", 7, nil)
	require.NoError(t, janitor.Start())
	janitor.Stop()
}

func TestJanitor_BadSchedule(t *testing.T) {
	t.Parallel()

	janitor := NewJanitor(NewMemoryStore(), "not a schedule", 7, nil)
	assert.Error(t, janitor.Start())
}
