package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *EmbeddedStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := OpenEmbedded(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEmbeddedStore_CheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetCheckpoint(ctx, "1", "0xroot")
	require.NoError(t, err)
	assert.False(t, ok)

	cp := Checkpoint{
		ChainID:              "1",
		ContractAddress:      "0xroot",
		LastProcessedBlock:   100,
		LastProcessedAt:      time.Now().UTC(),
		TotalEventsProcessed: 3,
	}
	require.NoError(t, store.SaveCheckpoint(ctx, cp))

	got, ok, err := store.GetCheckpoint(ctx, "1", "0xroot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100), got.LastProcessedBlock)

	cp.LastProcessedBlock = 200
	require.NoError(t, store.SaveCheckpoint(ctx, cp))

	got, _, err = store.GetCheckpoint(ctx, "1", "0xroot")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), got.LastProcessedBlock)
}

func TestEmbeddedStore_MarkEventProcessed_DedupGate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := ProcessedEvent{
		EventID:         "1:0xabc:0",
		ChainID:         "1",
		ContractAddress: "0xchild",
		BlockNumber:     42,
		TxHash:          "0xabc",
		LogIndex:        0,
		EventName:       "Approved",
		ProcessedAt:     time.Now().UTC(),
		Published:       true,
	}

	inserted, err := store.MarkEventProcessed(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.MarkEventProcessed(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted, "second insert of same event_id must be rejected")

	processed, err := store.IsEventProcessed(ctx, ev.EventID)
	require.NoError(t, err)
	assert.True(t, processed)

	unprocessed, err := store.IsEventProcessed(ctx, "1:0xdef:1")
	require.NoError(t, err)
	assert.False(t, unprocessed)
}

func TestEmbeddedStore_GetProcessedEvents_OrderedByBlockAndLogIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []ProcessedEvent{
		{EventID: "1:0xa:1", ChainID: "1", BlockNumber: 10, LogIndex: 1, ProcessedAt: time.Now().UTC()},
		{EventID: "1:0xa:0", ChainID: "1", BlockNumber: 10, LogIndex: 0, ProcessedAt: time.Now().UTC()},
		{EventID: "1:0xb:0", ChainID: "1", BlockNumber: 11, LogIndex: 0, ProcessedAt: time.Now().UTC()},
	}
	for _, ev := range events {
		_, err := store.MarkEventProcessed(ctx, ev)
		require.NoError(t, err)
	}

	got, err := store.GetProcessedEvents(ctx, "1", 10, 11)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "1:0xa:0", got[0].EventID)
	assert.Equal(t, "1:0xa:1", got[1].EventID)
	assert.Equal(t, "1:0xb:0", got[2].EventID)
}

func TestEmbeddedStore_CleanupOldEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := ProcessedEvent{EventID: "1:0xold:0", ChainID: "1", ProcessedAt: time.Now().Add(-10 * 24 * time.Hour)}
	recent := ProcessedEvent{EventID: "1:0xnew:0", ChainID: "1", ProcessedAt: time.Now()}

	_, err := store.MarkEventProcessed(ctx, old)
	require.NoError(t, err)
	_, err = store.MarkEventProcessed(ctx, recent)
	require.NoError(t, err)

	removed, err := store.CleanupOldEvents(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stillThere, err := store.IsEventProcessed(ctx, "1:0xnew:0")
	require.NoError(t, err)
	assert.True(t, stillThere)

	gone, err := store.IsEventProcessed(ctx, "1:0xold:0")
	require.NoError(t, err)
	assert.False(t, gone)
}
