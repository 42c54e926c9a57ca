package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"eventcache/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("EVENTCACHE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("EVENTCACHE_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.EnsureSchema(ctx))
	_, err = store.pool.Exec(ctx, `TRUNCATE buffered_events; TRUNCATE checkpoints`)
	require.NoError(t, err)
	return store
}

func TestStoreCheckpoints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "rates.lastFetchedBlockNumber")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "rates.lastFetchedBlockNumber", "10"))
	require.NoError(t, store.Set(ctx, "rates.lastFetchedBlockNumber", "11"))

	value, ok, err := store.Get(ctx, "rates.lastFetchedBlockNumber")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "11", value)
}

func TestStoreBufferLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	contract := "0x1111111111111111111111111111111111111111"

	rows := []model.BufferedEvent{
		{BlockNumber: 7, TransactionHash: "0xaa", LogIndex: 0, TargetConfirmation: 3, ContractAddress: contract, EventName: "Transfer", Content: []byte(`{"event":"Transfer"}`)},
		{BlockNumber: 8, TransactionHash: "0xbb", LogIndex: 1, TargetConfirmation: 4, ContractAddress: contract, EventName: "Transfer", Content: []byte(`{"event":"Transfer"}`)},
	}
	require.NoError(t, store.InsertBatch(ctx, rows))
	require.NoError(t, store.InsertBatch(ctx, rows[:1]))

	pending, err := store.ListPending(ctx, contract)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, uint64(4), pending[1].TargetConfirmation)

	lowest, ok, err := store.LowestPendingBlock(ctx, contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), lowest)

	found, err := store.FindByTransactionHashes(ctx, contract, []string{"0xbb"})
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, store.MarkEmitted(ctx, []int64{pending[0].ID}))
	purged, err := store.PurgeEmitted(ctx, contract, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	require.NoError(t, store.DeleteByIDs(ctx, []int64{pending[1].ID}))
	remaining, err := store.ListInRange(ctx, contract, 0, 100)
	require.NoError(t, err)
	require.Empty(t, remaining)
}
