package adaptation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatest(t *testing.T) {
	entries := historyEntries()
	latest := Latest(entries)

	require.Len(t, latest, 4)
	assert.Equal(t, []string{"r1", "r2", "r3", "r4"}, []string{latest[0].ID, latest[1].ID, latest[2].ID, latest[3].ID})
	assert.Equal(t, OutcomeSuperseded, latest[0].Outcome)
	assert.NotNil(t, latest[1].Realized)
	assert.Empty(t, Latest(nil))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, rec := range historyEntries() {
		require.NoError(t, store.Append(ctx, rec))
	}

	all, err := store.Query(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 7)

	p2, err := store.Query(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, p2, 2)
	assert.Nil(t, p2[0].Realized)
	assert.NotNil(t, p2[1].Realized)

	// Stored entries are copies
	p2[1].Realized.TargetsSucceeded = false
	again, err := store.Query(ctx, "p2")
	require.NoError(t, err)
	assert.True(t, again[1].Realized.TargetsSucceeded)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, store.Append(canceled, historyEntries()[0]), context.Canceled)
	_, err = store.Query(canceled, "")
	assert.ErrorIs(t, err, context.Canceled)
}
