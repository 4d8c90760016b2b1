//go:build integration

package trades

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nftswap/internal/domain"
	"github.com/mbd888/nftswap/internal/testutil"
)

func TestPostgresStore_Integration_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	m := NewManager(store)
	ctx := context.Background()

	terms := baseTerms()
	terms.ChainTradeID = "501"
	terms.RequestedNative = "0.000000000000000001"
	exp := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	terms.ExpiresAt = &exp

	created, err := m.Create(ctx, terms)
	require.NoError(t, err)

	_, err = m.Create(ctx, terms)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "0.000000000000000001", got.RequestedNative)
	assert.Equal(t, created.OfferedAssets, got.OfferedAssets)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, exp.Equal(*got.ExpiresAt))

	declined, err := m.CancelOrDecline(ctx, created.ID, TransitionRequest{ActingAddress: counterpartyAddr})
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, declined.Status)

	stored, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, stored.Status)
	assert.Nil(t, stored.CancelledAt)
	assert.NotNil(t, stored.DeclinedAt)

	_, err = m.CancelOrDecline(ctx, created.ID, TransitionRequest{ActingAddress: creatorAddr})
	var final *domain.FinalError
	require.True(t, errors.As(err, &final))
	assert.Equal(t, "declined", final.Status)

	list, err := m.List(ctx, creatorAddr)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestPostgresStore_Integration_ConcurrentTransitions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	m := NewManager(NewPostgresStore(db))
	ctx := context.Background()

	for run := 0; run < 10; run++ {
		trade, err := m.Create(ctx, baseTerms())
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			results = make([]error, 2)
		)
		for i, addr := range []string{creatorAddr, counterpartyAddr} {
			wg.Add(1)
			go func(i int, addr string) {
				defer wg.Done()
				_, results[i] = m.CancelOrDecline(ctx, trade.ID, TransitionRequest{ActingAddress: addr})
			}(i, addr)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
				continue
			}
			require.ErrorIs(t, err, domain.ErrAlreadyFinal)
		}
		assert.Equal(t, 1, wins)
	}
}
