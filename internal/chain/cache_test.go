package chain

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReceipt() *Receipt {
	return &Receipt{
		TxHash:      common.HexToHash(testHash),
		Status:      StatusSuccess,
		BlockNumber: 7,
		Logs: []Log{{
			Address: common.HexToAddress("0x00000000000000000000000000000000000000e5"),
			Topics:  []common.Hash{common.HexToHash("0xaa"), common.HexToHash("0xbb")},
			Data:    []byte{1, 2, 3},
			Index:   0,
		}},
	}
}

func TestMemoryCache_MissThenHit(t *testing.T) {
	c := NewMemoryCache(4, time.Minute)
	ctx := context.Background()

	_, err := c.Get(ctx, testHash)
	require.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, testHash, sampleReceipt()))
	got, err := c.Get(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.BlockNumber)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(2, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", sampleReceipt()))
	require.NoError(t, c.Set(ctx, "b", sampleReceipt()))
	_, _ = c.Get(ctx, "a")
	require.NoError(t, c.Set(ctx, "c", sampleReceipt()))

	_, err := c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCache_Expires(t *testing.T) {
	c := NewMemoryCache(4, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, testHash, sampleReceipt()))
	time.Sleep(60 * time.Millisecond)

	_, err := c.Get(ctx, testHash)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache_RoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := DialRedis(ctx, url)
	require.NoError(t, err)
	c := NewRedisCache(rdb, time.Minute)
	t.Cleanup(func() {
		rdb.Del(ctx, receiptKey(testHash))
		_ = c.Close()
	})

	_, err = c.Get(ctx, testHash)
	require.ErrorIs(t, err, ErrCacheMiss)

	want := sampleReceipt()
	require.NoError(t, c.Set(ctx, testHash, want))
	got, err := c.Get(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	ttl, err := rdb.TTL(ctx, receiptKey(testHash)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.NoError(t, c.PingContext(ctx))
}
