package trades

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nftswap/internal/domain"
)

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tr := sampleTrade()
	require.NoError(t, store.Create(ctx, tr))

	tr.Status = StatusAccepted
	tr.OfferedAssets[0].TokenID = "999"

	got, err := store.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "1", got.OfferedAssets[0].TokenID)

	got.OfferedAssets[0].TokenID = "555"
	again, err := store.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", again.OfferedAssets[0].TokenID)
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleTrade()))
	assert.ErrorIs(t, store.Create(ctx, sampleTrade()), domain.ErrAlreadyExists)
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "trade_x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_FindByAddressByRole(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tr := sampleTrade()
	require.NoError(t, store.Create(ctx, tr))

	byCreator, err := store.FindByAddress(ctx, tr.CreatorAddress, RoleCreator)
	require.NoError(t, err)
	assert.Len(t, byCreator, 1)

	asCounterparty, err := store.FindByAddress(ctx, tr.CreatorAddress, RoleCounterparty)
	require.NoError(t, err)
	assert.Empty(t, asCounterparty)
}

func TestMemoryStore_CompareAndSetStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tr := sampleTrade()
	require.NoError(t, store.Create(ctx, tr))
	at := tr.CreatedAt.Add(time.Minute)

	ok, err := store.CompareAndSetStatus(ctx, tr.ID, StatusPending,
		Transition{Status: StatusDeclined, Actor: tr.CounterpartyAddress, At: at, TxHash: "0xabc"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSetStatus(ctx, tr.ID, StatusPending,
		Transition{Status: StatusCancelled, Actor: tr.CreatorAddress, At: at.Add(time.Second)})
	require.NoError(t, err)
	assert.False(t, ok, "second transition out of pending must lose")

	ok, err = store.CompareAndSetStatus(ctx, "trade_missing", StatusPending, Transition{Status: StatusCancelled})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, got.Status)
	assert.Equal(t, at, got.UpdatedAt)
	assert.Equal(t, "0xabc", got.ResolutionTxHash)
	assert.Nil(t, got.CancelledAt)
}
