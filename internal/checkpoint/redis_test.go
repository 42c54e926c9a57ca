package checkpoint

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"eventcache/internal/model"
)

func TestRedisKV(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := NewRedisKVFromClient(client, "")
	defer kv.Close()

	ctx := context.Background()
	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	store := NewStore(kv, "offers")
	advanced, err := store.SetLastProcessedIfHigher(ctx, model.BlockRef{Number: 55, Hash: "0x55"})
	require.NoError(t, err)
	require.True(t, advanced)

	ref, ok, err := store.LastProcessed(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.BlockRef{Number: 55, Hash: "0x55"}, ref)
	require.Equal(t, "55", mr.HGet("eventcache:checkpoints", "offers.lastProcessedBlockNumber"))
}
