// Package recovery reconstructs a trade's on-chain identity from nothing but
// the hash of its creation transaction.
//
// It reads the receipt and scans its logs for the escrow TradeCreated event.
// The off-chain store is never consulted, so recovery works exactly when the
// store has lost or mangled the record.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/mbd888/nftswap/internal/chain"
	"github.com/mbd888/nftswap/internal/domain"
	"github.com/mbd888/nftswap/internal/escrow"
	"github.com/mbd888/nftswap/internal/logging"
	"github.com/mbd888/nftswap/internal/metrics"
	"github.com/mbd888/nftswap/internal/traces"
	"github.com/mbd888/nftswap/internal/validation"
)

// Result identifies a recovered trade.
type Result struct {
	TradeID     string              `json:"tradeId"`
	BlockNumber uint64              `json:"blockNumber"`
	TxHash      string              `json:"txHash"`
	Event       escrow.TradeCreated `json:"event"`
	// EventCount is the number of TradeCreated events in the transaction.
	// Only the first is returned.
	EventCount int `json:"eventCount"`
}

// Resolver recovers trades from transaction hashes.
type Resolver struct {
	chain    chain.ReceiptReader
	contract *escrow.Contract
	logger   *slog.Logger
}

// NewResolver creates a Resolver reading receipts from reader and decoding
// events emitted by contract.
func NewResolver(reader chain.ReceiptReader, contract *escrow.Contract, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{chain: reader, contract: contract, logger: logger}
}

// Recover returns the trade created by txHash.
//
// Errors, checked in order: ErrInvalidInput for a malformed hash (no network
// call), ErrNotFound when the chain has no such transaction,
// ErrTransactionFail when it reverted, ErrNoTradeFound when no log from the
// escrow contract decodes as TradeCreated. Any other chain failure is
// ErrExternalService.
func (r *Resolver) Recover(ctx context.Context, txHash string) (*Result, error) {
	txHash = strings.TrimSpace(txHash)
	if !validation.IsValidTxHash(txHash) {
		metrics.RecoveriesTotal.WithLabelValues("invalid_input").Inc()
		return nil, domain.ErrInvalidInput
	}

	ctx, span := traces.StartSpan(ctx, "recovery.Recover", traces.TxHash(strings.ToLower(txHash)))
	defer span.End()

	receipt, err := r.chain.GetReceipt(ctx, txHash)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrReceiptNotFound):
			metrics.RecoveriesTotal.WithLabelValues("not_found").Inc()
			return nil, domain.ErrNotFound
		case errors.Is(err, chain.ErrInvalidHash):
			metrics.RecoveriesTotal.WithLabelValues("invalid_input").Inc()
			return nil, domain.ErrInvalidInput
		}
		metrics.RecoveriesTotal.WithLabelValues("external_error").Inc()
		traces.Fail(span, err, "receipt lookup failed")
		logging.L(ctx).Error("recovery receipt lookup failed", "tx_hash", txHash, "error", err)
		return nil, domain.External("get receipt", err)
	}

	if !receipt.Succeeded() {
		metrics.RecoveriesTotal.WithLabelValues("reverted").Inc()
		return nil, domain.ErrTransactionFail
	}

	ev, count, ok := FirstTradeCreated(r.contract, receipt.Logs)
	if !ok {
		metrics.RecoveriesTotal.WithLabelValues("no_trade").Inc()
		return nil, domain.ErrNoTradeFound
	}
	if count > 1 {
		r.logger.Warn("transaction created several trades; returning the first",
			"tx_hash", txHash, "events", count, "trade_id", ev.TradeID.String())
	}

	metrics.RecoveriesTotal.WithLabelValues("recovered").Inc()
	span.SetAttributes(traces.TradeID(ev.TradeID.String()))
	return &Result{
		TradeID:     ev.TradeID.String(),
		BlockNumber: receipt.BlockNumber,
		TxHash:      strings.ToLower(receipt.TxHash.Hex()),
		Event:       ev,
		EventCount:  count,
	}, nil
}

// FirstTradeCreated returns the first log in order that decodes as a
// TradeCreated event from contract, together with how many such events the
// logs contain. Logs that do not decode are skipped.
func FirstTradeCreated(contract *escrow.Contract, logs []chain.Log) (escrow.TradeCreated, int, bool) {
	var (
		first escrow.TradeCreated
		count int
	)
	for _, l := range logs {
		ev, ok := contract.DecodeTradeCreated(l)
		if !ok {
			continue
		}
		if count == 0 {
			first = ev
		}
		count++
	}
	return first, count, count > 0
}
