package trades

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nftswap/internal/escrow"
)

const syncTx = "0xABCDEF0000000000000000000000000000000000000000000000000000000042"

func chainTrade(t *testing.T, m *Manager, chainID string) *Trade {
	t.Helper()
	terms := baseTerms()
	terms.ChainTradeID = chainID
	trade, err := m.Create(context.Background(), terms)
	require.NoError(t, err)
	return trade
}

func resolution(event string, chainID int64, by string) escrow.Resolution {
	return escrow.Resolution{Event: event, TradeID: big.NewInt(chainID), By: common.HexToAddress(by)}
}

func resolvedBy(t *Trade) string {
	switch t.Status {
	case StatusCancelled:
		return t.CancelledBy
	case StatusDeclined:
		return t.DeclinedBy
	case StatusAccepted:
		return t.AcceptedBy
	}
	return ""
}

func TestSyncResolution_AppliesEachEvent(t *testing.T) {
	tests := []struct {
		event string
		by    string
		want  Status
	}{
		{escrow.EventTradeCancelled, creatorAddr, StatusCancelled},
		{escrow.EventTradeDeclined, counterpartyAddr, StatusDeclined},
		{escrow.EventTradeAccepted, counterpartyAddr, StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			m, store := newTestManager()
			trade := chainTrade(t, m, "9")

			out, err := m.SyncResolution(context.Background(), resolution(tt.event, 9, tt.by), syncTx)
			require.NoError(t, err)
			assert.Equal(t, SyncApplied, out)

			got, err := store.Get(context.Background(), trade.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, strings.ToLower(tt.by), resolvedBy(got))
			assert.Equal(t, strings.ToLower(syncTx), got.ResolutionTxHash)
		})
	}
}

func TestSyncResolution_ReplayIsDuplicate(t *testing.T) {
	m, _ := newTestManager()
	chainTrade(t, m, "9")
	res := resolution(escrow.EventTradeDeclined, 9, counterpartyAddr)

	out, err := m.SyncResolution(context.Background(), res, syncTx)
	require.NoError(t, err)
	require.Equal(t, SyncApplied, out)

	out, err = m.SyncResolution(context.Background(), res, syncTx)
	require.NoError(t, err)
	assert.Equal(t, SyncDuplicate, out)
}

func TestSyncResolution_FinalWithOtherStatusIsConflict(t *testing.T) {
	m, store := newTestManager()
	trade := chainTrade(t, m, "9")
	_, err := m.CancelOrDecline(context.Background(), trade.ID, TransitionRequest{ActingAddress: creatorAddr})
	require.NoError(t, err)

	out, err := m.SyncResolution(context.Background(), resolution(escrow.EventTradeAccepted, 9, counterpartyAddr), syncTx)
	require.NoError(t, err)
	assert.Equal(t, SyncConflict, out)

	got, err := store.Get(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status, "stored final status is never overwritten")
}

func TestSyncResolution_UnknownTrade(t *testing.T) {
	m, _ := newTestManager()
	chainTrade(t, m, "9")

	out, err := m.SyncResolution(context.Background(), resolution(escrow.EventTradeCancelled, 10, creatorAddr), syncTx)
	require.NoError(t, err)
	assert.Equal(t, SyncUnknown, out)

	out, err = m.SyncResolution(context.Background(), escrow.Resolution{Event: escrow.EventTradeCancelled}, syncTx)
	require.NoError(t, err)
	assert.Equal(t, SyncUnknown, out)
}

func TestSyncResolution_RejectsWrongSender(t *testing.T) {
	cases := map[string]escrow.Resolution{
		"outsider cancels":       resolution(escrow.EventTradeCancelled, 9, outsiderAddr),
		"counterparty cancels":   resolution(escrow.EventTradeCancelled, 9, counterpartyAddr),
		"creator declines":       resolution(escrow.EventTradeDeclined, 9, creatorAddr),
		"creator accepts":        resolution(escrow.EventTradeAccepted, 9, creatorAddr),
		"creation is not a sync": resolution(escrow.EventTradeCreated, 9, creatorAddr),
	}
	for name, res := range cases {
		t.Run(name, func(t *testing.T) {
			m, store := newTestManager()
			trade := chainTrade(t, m, "9")

			out, err := m.SyncResolution(context.Background(), res, syncTx)
			require.NoError(t, err)
			assert.Equal(t, SyncRejected, out)

			got, err := store.Get(context.Background(), trade.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)
		})
	}
}

func TestSyncResolution_LostRace(t *testing.T) {
	for _, tt := range []struct {
		winner Status
		want   SyncOutcome
	}{
		{StatusDeclined, SyncDuplicate},
		{StatusCancelled, SyncConflict},
	} {
		t.Run(string(tt.winner), func(t *testing.T) {
			store := &raceStore{MemoryStore: NewMemoryStore(), winner: tt.winner}
			m := NewManager(store)
			chainTrade(t, m, "9")

			out, err := m.SyncResolution(context.Background(), resolution(escrow.EventTradeDeclined, 9, counterpartyAddr), syncTx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestSyncResolution_StoreFailureIsReturned(t *testing.T) {
	m := NewManager(failingStore{NewMemoryStore()})

	_, err := m.SyncResolution(context.Background(), resolution(escrow.EventTradeCancelled, 9, creatorAddr), syncTx)
	assert.Error(t, err)
}
