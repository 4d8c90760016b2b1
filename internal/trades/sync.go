package trades

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/nftswap/internal/domain"
	"github.com/mbd888/nftswap/internal/escrow"
	"github.com/mbd888/nftswap/internal/logging"
	"github.com/mbd888/nftswap/internal/metrics"
	"github.com/mbd888/nftswap/internal/traces"
	"github.com/mbd888/nftswap/internal/validation"
)

// SyncOutcome describes what SyncResolution did with an on-chain event.
type SyncOutcome string

const (
	SyncApplied   SyncOutcome = "applied"   // pending record moved to the event's status
	SyncDuplicate SyncOutcome = "duplicate" // record already carries the event's status
	SyncConflict  SyncOutcome = "conflict"  // record is final with a different status
	SyncUnknown   SyncOutcome = "unknown"   // no record for the on-chain trade
	SyncRejected  SyncOutcome = "rejected"  // event sender is not the party allowed to emit it
)

// SyncResolution applies a resolution event observed on-chain to the
// matching trade record. The record id is IDPrefix plus the on-chain trade
// id; trades indexed without a chain id are never matched.
//
// Only a pending record changes. Its transition carries the event sender as
// actor and txHash as the resolution transaction. A returned error means the
// store failed and the event should be retried.
func (m *Manager) SyncResolution(ctx context.Context, res escrow.Resolution, txHash string) (SyncOutcome, error) {
	if res.TradeID == nil {
		return SyncUnknown, nil
	}
	id := IDPrefix + res.TradeID.String()
	txHash = strings.ToLower(txHash)
	ctx, span := traces.StartSpan(ctx, "trades.SyncResolution", traces.TradeID(id), traces.TxHash(txHash))
	defer span.End()

	trade, err := m.store.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		logging.L(ctx).Debug("resolution event for unindexed trade", "trade_id", id, "event", res.Event)
		return SyncUnknown, nil
	}
	if err != nil {
		traces.Fail(span, err, "store get failed")
		return "", fmt.Errorf("failed to load trade: %w", err)
	}

	actor := validation.NormalizeAddress(res.By.Hex())
	next, ok := resolvedStatus(trade, res.Event, actor)
	if !ok {
		logging.L(ctx).Warn("resolution event from unexpected sender",
			"trade_id", id, "event", res.Event, "by", actor, "tx_hash", txHash)
		return SyncRejected, nil
	}
	if trade.Status == next {
		return SyncDuplicate, nil
	}
	if trade.Status.IsFinal() {
		return m.syncConflict(ctx, trade, next, txHash), nil
	}

	tr := Transition{Status: next, Actor: actor, At: m.now().UTC(), TxHash: txHash}
	swapped, err := m.store.CompareAndSetStatus(context.WithoutCancel(ctx), id, StatusPending, tr)
	if err != nil {
		traces.Fail(span, err, "store update failed")
		return "", fmt.Errorf("failed to update trade status: %w", err)
	}
	if !swapped {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to reload trade after conflict: %w", err)
		}
		if current.Status == next {
			return SyncDuplicate, nil
		}
		return m.syncConflict(ctx, current, next, txHash), nil
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(next)).Inc()
	span.SetAttributes(traces.Status(string(next)))
	logging.L(ctx).Info("trade resolved from chain event",
		"trade_id", id,
		"status", next,
		"actor", actor,
		"resolution_tx", txHash,
	)
	return SyncApplied, nil
}

func (m *Manager) syncConflict(ctx context.Context, t *Trade, chainStatus Status, txHash string) SyncOutcome {
	metrics.TransitionConflictsTotal.Inc()
	logging.L(ctx).Warn("stored status disagrees with chain",
		"trade_id", t.ID,
		"stored_status", t.Status,
		"chain_status", chainStatus,
		"resolution_tx", txHash,
	)
	return SyncConflict
}

// resolvedStatus maps an escrow event to the status it implies, provided
// actor is the party the contract lets emit it.
func resolvedStatus(t *Trade, event, actor string) (Status, bool) {
	switch event {
	case escrow.EventTradeCancelled:
		return StatusCancelled, actor == t.CreatorAddress
	case escrow.EventTradeDeclined:
		return StatusDeclined, actor == t.CounterpartyAddress
	case escrow.EventTradeAccepted:
		return StatusAccepted, actor == t.CounterpartyAddress
	}
	return "", false
}
