// Package trades indexes NFT swap proposals off-chain and keeps that index
// consistent with the escrow contract.
//
// A trade is created pending and moves exactly once to a final state:
// cancelled (by its creator), declined or accepted (by its counterparty).
// Transitions are serialized per trade by the store's compare-and-set.
package trades

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a trade.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCancelled Status = "cancelled"
	StatusDeclined  Status = "declined"
)

// IsFinal reports whether no further transition is possible.
func (s Status) IsFinal() bool {
	return s != StatusPending
}

// Standard is the token interface of an asset.
type Standard string

const (
	StandardERC721  Standard = "ERC721"  // single-owner
	StandardERC1155 Standard = "ERC1155" // multi-copy
)

// Role selects which side of a trade an address is matched against.
type Role string

const (
	RoleCreator      Role = "creator"
	RoleCounterparty Role = "counterparty"
)

// Asset is one NFT position in a trade.
type Asset struct {
	ContractAddress string   `json:"contractAddress"`
	TokenID         string   `json:"tokenId"`
	Amount          string   `json:"amount"`
	Standard        Standard `json:"standard"`
}

// Trade is the off-chain record of a trade proposal. Everything except the
// status, the resolution fields and UpdatedAt is immutable after creation.
type Trade struct {
	ID                  string     `json:"id"`
	ChainTradeID        string     `json:"chainTradeId,omitempty"`
	TxHash              string     `json:"txHash,omitempty"`
	CreatorAddress      string     `json:"creatorAddress"`
	CounterpartyAddress string     `json:"counterpartyAddress"`
	OfferedAssets       []Asset    `json:"offeredAssets"`
	RequestedAssets     []Asset    `json:"requestedAssets"`
	OfferedNative       string     `json:"offeredNative"`
	RequestedNative     string     `json:"requestedNative"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	Status              Status     `json:"status"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`

	CancelledAt      *time.Time `json:"cancelledAt,omitempty"`
	CancelledBy      string     `json:"cancelledBy,omitempty"`
	DeclinedAt       *time.Time `json:"declinedAt,omitempty"`
	DeclinedBy       string     `json:"declinedBy,omitempty"`
	AcceptedAt       *time.Time `json:"acceptedAt,omitempty"`
	AcceptedBy       string     `json:"acceptedBy,omitempty"`
	ResolutionTxHash string     `json:"resolutionTxHash,omitempty"`
}

// Transition is a single status change out of pending.
type Transition struct {
	Status Status
	Actor  string
	At     time.Time
	TxHash string // optional on-chain resolution transaction
}

// apply writes tr into t. Callers have already checked t is pending.
func (t *Trade) apply(tr Transition) {
	at := tr.At
	t.Status = tr.Status
	t.UpdatedAt = at
	switch tr.Status {
	case StatusCancelled:
		t.CancelledAt, t.CancelledBy = &at, tr.Actor
	case StatusDeclined:
		t.DeclinedAt, t.DeclinedBy = &at, tr.Actor
	case StatusAccepted:
		t.AcceptedAt, t.AcceptedBy = &at, tr.Actor
	}
	if tr.TxHash != "" {
		t.ResolutionTxHash = tr.TxHash
	}
}

// clone returns a deep copy so callers cannot mutate stored state.
func (t *Trade) clone() *Trade {
	cp := *t
	cp.OfferedAssets = append([]Asset(nil), t.OfferedAssets...)
	cp.RequestedAssets = append([]Asset(nil), t.RequestedAssets...)
	cp.ExpiresAt = cloneTime(t.ExpiresAt)
	cp.CancelledAt = cloneTime(t.CancelledAt)
	cp.DeclinedAt = cloneTime(t.DeclinedAt)
	cp.AcceptedAt = cloneTime(t.AcceptedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Store persists trade records.
//
// Get returns domain.ErrNotFound for an unknown id and Create returns
// domain.ErrAlreadyExists for a duplicate one. CompareAndSetStatus applies
// tr only if the stored status equals expected, atomically with respect to
// other calls for the same id, and reports whether it did.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	FindByAddress(ctx context.Context, address string, role Role) ([]*Trade, error)
	CompareAndSetStatus(ctx context.Context, id string, expected Status, tr Transition) (bool, error)
}
