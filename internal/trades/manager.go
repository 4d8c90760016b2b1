package trades

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/mbd888/nftswap/internal/chain"
	"github.com/mbd888/nftswap/internal/domain"
	"github.com/mbd888/nftswap/internal/escrow"
	"github.com/mbd888/nftswap/internal/idgen"
	"github.com/mbd888/nftswap/internal/logging"
	"github.com/mbd888/nftswap/internal/metrics"
	"github.com/mbd888/nftswap/internal/recovery"
	"github.com/mbd888/nftswap/internal/traces"
	"github.com/mbd888/nftswap/internal/validation"
)

// IDPrefix prefixes every trade record id.
const IDPrefix = "trade_"

// TransitionRequest is a cancel, decline or accept request.
type TransitionRequest struct {
	ActingAddress string `json:"actingAddress"`
	// TxHash optionally names the on-chain transaction that resolved the
	// trade. When set and a chain reader is configured, the transition is
	// only recorded if that transaction succeeded and emitted the matching
	// escrow event.
	TxHash string `json:"txHash,omitempty"`
}

// Manager governs the trade state machine. It validates terms once at
// creation, authorizes transitions and keeps chain calls outside of any
// store write.
type Manager struct {
	store          Store
	chain          chain.ReceiptReader
	contract       *escrow.Contract
	resolver       *recovery.Resolver
	verifyCreation bool
	logger         *slog.Logger
	now            func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithChain lets the manager read receipts to confirm creations and
// resolutions, and to build escrow call data.
func WithChain(reader chain.ReceiptReader, contract *escrow.Contract) ManagerOption {
	return func(m *Manager) {
		m.chain = reader
		m.contract = contract
	}
}

// WithCreationVerification toggles resolving Terms.TxHash on-chain before a
// trade is indexed. It has no effect without WithChain.
func WithCreationVerification(on bool) ManagerOption {
	return func(m *Manager) { m.verifyCreation = on }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a trade manager over store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.chain != nil && m.contract != nil {
		m.resolver = recovery.NewResolver(m.chain, m.contract, m.logger)
	}
	return m
}

// Create validates terms and indexes a new pending trade.
func (m *Manager) Create(ctx context.Context, terms Terms) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trades.Create",
		traces.Address(strings.ToLower(terms.CreatorAddress)))
	defer span.End()

	t, err := terms.normalize()
	if err != nil {
		return nil, err
	}

	if t.TxHash != "" && m.verifyCreation && m.resolver != nil {
		if err := m.confirmCreation(ctx, &t); err != nil {
			traces.Fail(span, err, "creation not confirmed")
			return nil, err
		}
	}

	id := idgen.WithPrefix(IDPrefix)
	if t.ChainTradeID != "" {
		id = IDPrefix + t.ChainTradeID
	}
	now := m.now().UTC()
	trade := &Trade{
		ID:                  id,
		ChainTradeID:        t.ChainTradeID,
		TxHash:              t.TxHash,
		CreatorAddress:      t.CreatorAddress,
		CounterpartyAddress: t.CounterpartyAddress,
		OfferedAssets:       t.OfferedAssets,
		RequestedAssets:     t.RequestedAssets,
		OfferedNative:       t.OfferedNative,
		RequestedNative:     t.RequestedNative,
		ExpiresAt:           t.ExpiresAt,
		Status:              StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := m.store.Create(ctx, trade); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, err
		}
		traces.Fail(span, err, "store create failed")
		return nil, fmt.Errorf("failed to create trade record: %w", err)
	}

	metrics.TradesCreatedTotal.Inc()
	span.SetAttributes(traces.TradeID(trade.ID))
	logging.L(ctx).Info("trade created",
		"trade_id", trade.ID,
		"creator", trade.CreatorAddress,
		"counterparty", trade.CounterpartyAddress,
		"chain_trade_id", trade.ChainTradeID,
	)
	return trade, nil
}

// confirmCreation resolves t.TxHash through the recovery resolver and
// reconciles the terms with the decoded TradeCreated event.
func (m *Manager) confirmCreation(ctx context.Context, t *Terms) error {
	res, err := m.resolver.Recover(ctx, t.TxHash)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return domain.Validationf("creation transaction %s not found on chain", t.TxHash)
		case errors.Is(err, domain.ErrInvalidInput):
			return domain.Validationf("txHash must be 0x followed by 64 hex characters")
		}
		return err
	}

	ev := res.Event
	switch {
	case t.ChainTradeID != "" && t.ChainTradeID != res.TradeID:
		return domain.Validationf("chainTradeId %s does not match on-chain trade %s", t.ChainTradeID, res.TradeID)
	case !sameAddress(t.CreatorAddress, ev.Creator.Hex()):
		return domain.Validationf("creatorAddress does not match on-chain creator")
	case !sameAddress(t.CounterpartyAddress, ev.Counterparty.Hex()):
		return domain.Validationf("counterpartyAddress does not match on-chain counterparty")
	case int64(len(t.OfferedAssets)) != ev.OfferedCount.Int64() || !ev.OfferedCount.IsInt64():
		return domain.Validationf("offeredAssets count does not match on-chain count %s", ev.OfferedCount)
	case int64(len(t.RequestedAssets)) != ev.RequestedCount.Int64() || !ev.RequestedCount.IsInt64():
		return domain.Validationf("requestedAssets count does not match on-chain count %s", ev.RequestedCount)
	case toWei(t.OfferedNative).Cmp(ev.OfferedNative) != 0:
		return domain.Validationf("offeredNative does not match on-chain amount")
	case toWei(t.RequestedNative).Cmp(ev.RequestedNative) != 0:
		return domain.Validationf("requestedNative does not match on-chain amount")
	}

	if ev.Expiration.Sign() > 0 && ev.Expiration.IsInt64() {
		exp := time.Unix(ev.Expiration.Int64(), 0).UTC()
		if t.ExpiresAt != nil && t.ExpiresAt.Unix() != exp.Unix() {
			return domain.Validationf("expiresAt does not match on-chain expiration")
		}
		t.ExpiresAt = &exp
	}
	t.ChainTradeID = res.TradeID
	return nil
}

// Get returns a trade by id.
func (m *Manager) Get(ctx context.Context, id string) (*Trade, error) {
	return m.store.Get(ctx, id)
}

// List returns every trade where address is the creator or the counterparty,
// each once. Pending trades come first; within each group the newest first.
func (m *Manager) List(ctx context.Context, address string) ([]*Trade, error) {
	addr := validation.NormalizeAddress(address)
	if !validation.IsValidEthAddress(addr) {
		return nil, domain.Validationf("address must be a valid Ethereum address")
	}

	created, err := m.store.FindByAddress(ctx, addr, RoleCreator)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades by creator: %w", err)
	}
	received, err := m.store.FindByAddress(ctx, addr, RoleCounterparty)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades by counterparty: %w", err)
	}

	seen := make(map[string]struct{}, len(created)+len(received))
	result := make([]*Trade, 0, len(created)+len(received))
	for _, t := range slices.Concat(created, received) {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		result = append(result, t)
	}
	SortTrades(result)
	return result, nil
}

// SortTrades orders pending trades first, then by creation time descending.
// A zero or pre-epoch timestamp counts as the epoch. Ties break on id.
func SortTrades(ts []*Trade) {
	slices.SortStableFunc(ts, func(a, b *Trade) int {
		if ap, bp := a.Status == StatusPending, b.Status == StatusPending; ap != bp {
			if ap {
				return -1
			}
			return 1
		}
		if c := compareInt64(sortTime(b.CreatedAt), sortTime(a.CreatedAt)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func sortTime(t time.Time) int64 {
	if t.IsZero() || t.Before(time.Unix(0, 0)) {
		return 0
	}
	return t.UnixNano()
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// CancelOrDecline ends a pending trade on behalf of one of its parties: the
// creator cancels, the counterparty declines.
//
// Checks run in order: ErrNotFound, ErrForbidden for any other address, then
// *FinalError if the trade already left pending.
func (m *Manager) CancelOrDecline(ctx context.Context, id string, req TransitionRequest) (*Trade, error) {
	return m.transition(ctx, "trades.CancelOrDecline", id, req, func(t *Trade, actor string) (Status, escrow.Action, error) {
		switch actor {
		case t.CreatorAddress:
			return StatusCancelled, escrow.ActionCancel, nil
		case t.CounterpartyAddress:
			return StatusDeclined, escrow.ActionDecline, nil
		}
		return "", "", fmt.Errorf("%w: only the creator or counterparty may cancel or decline", domain.ErrForbidden)
	})
}

// Accept records the counterparty's acceptance of a pending trade.
func (m *Manager) Accept(ctx context.Context, id string, req TransitionRequest) (*Trade, error) {
	return m.transition(ctx, "trades.Accept", id, req, func(t *Trade, actor string) (Status, escrow.Action, error) {
		if actor == t.CounterpartyAddress {
			return StatusAccepted, escrow.ActionAccept, nil
		}
		return "", "", fmt.Errorf("%w: only the counterparty may accept", domain.ErrForbidden)
	})
}

type decideFunc func(t *Trade, actor string) (Status, escrow.Action, error)

func (m *Manager) transition(ctx context.Context, op, id string, req TransitionRequest, decide decideFunc) (*Trade, error) {
	actor := validation.NormalizeAddress(req.ActingAddress)
	ctx, span := traces.StartSpan(ctx, op, traces.TradeID(id), traces.Address(actor))
	defer span.End()

	trade, err := m.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			traces.Fail(span, err, "store get failed")
			err = fmt.Errorf("failed to load trade: %w", err)
		}
		return nil, err
	}

	next, action, err := decide(trade, actor)
	if err != nil {
		return nil, err
	}
	if trade.Status.IsFinal() {
		metrics.TransitionConflictsTotal.Inc()
		return nil, &domain.FinalError{ID: trade.ID, Status: string(trade.Status)}
	}

	txHash := strings.ToLower(strings.TrimSpace(req.TxHash))
	if txHash != "" {
		if err := m.confirmResolution(ctx, trade, action, actor, txHash); err != nil {
			traces.Fail(span, err, "resolution not confirmed")
			return nil, err
		}
	}

	tr := Transition{Status: next, Actor: actor, At: m.now().UTC(), TxHash: txHash}
	// The write completes or fails on its own once issued.
	ok, err := m.store.CompareAndSetStatus(context.WithoutCancel(ctx), id, StatusPending, tr)
	if err != nil {
		traces.Fail(span, err, "store update failed")
		return nil, fmt.Errorf("failed to update trade status: %w", err)
	}
	if !ok {
		metrics.TransitionConflictsTotal.Inc()
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to reload trade after conflict: %w", err)
		}
		return nil, &domain.FinalError{ID: id, Status: string(current.Status)}
	}

	trade.apply(tr)
	metrics.TradeTransitionsTotal.WithLabelValues(string(next)).Inc()
	span.SetAttributes(traces.Status(string(next)))
	logging.L(ctx).Info("trade transitioned",
		"trade_id", id,
		"status", next,
		"actor", actor,
		"resolution_tx", txHash,
	)
	return trade, nil
}

// confirmResolution checks that txHash succeeded on-chain and emitted the
// escrow event for action on the trade's chain id, sent by actor.
func (m *Manager) confirmResolution(ctx context.Context, t *Trade, action escrow.Action, actor, txHash string) error {
	if !validation.IsValidTxHash(txHash) {
		return domain.Validationf("txHash must be 0x followed by 64 hex characters")
	}
	if m.chain == nil || m.contract == nil {
		m.logger.Debug("resolution tx recorded without on-chain confirmation", "trade_id", t.ID, "tx_hash", txHash)
		return nil
	}
	if t.ChainTradeID == "" {
		return domain.Validationf("trade %s has no on-chain id to confirm against", t.ID)
	}

	receipt, err := m.chain.GetReceipt(ctx, txHash)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrReceiptNotFound):
			return domain.Validationf("resolution transaction %s not found on chain", txHash)
		case errors.Is(err, chain.ErrInvalidHash):
			return domain.Validationf("txHash must be 0x followed by 64 hex characters")
		}
		logging.L(ctx).Error("resolution receipt lookup failed", "tx_hash", txHash, "error", err)
		return domain.External("get receipt", err)
	}
	if !receipt.Succeeded() {
		return domain.ErrTransactionFail
	}

	for _, l := range receipt.Logs {
		res, ok := m.contract.DecodeResolution(l)
		if !ok {
			continue
		}
		if res.Event == action.Event() && res.TradeID.String() == t.ChainTradeID && sameAddress(actor, res.By.Hex()) {
			return nil
		}
	}
	return domain.Validationf("transaction %s has no %s event for trade %s by %s",
		txHash, action.Event(), t.ChainTradeID, actor)
}

// CallData returns the escrow call the wallet must submit to perform action
// on the trade.
func (m *Manager) CallData(ctx context.Context, id string, action escrow.Action) (escrow.CallData, error) {
	if m.contract == nil {
		return escrow.CallData{}, domain.Validationf("escrow contract is not configured")
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return escrow.CallData{}, err
	}
	if t.Status.IsFinal() {
		return escrow.CallData{}, &domain.FinalError{ID: t.ID, Status: string(t.Status)}
	}
	chainID, ok := new(big.Int).SetString(t.ChainTradeID, 10)
	if !ok {
		return escrow.CallData{}, domain.Validationf("trade %s has no on-chain id", t.ID)
	}
	return m.contract.Pack(action, chainID)
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
