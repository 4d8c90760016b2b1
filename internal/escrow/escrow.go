// Package escrow is a typed adapter over the on-chain trade escrow contract.
//
// The contract itself is a black box. This package knows its event schema
// and entry points: it decodes TradeCreated and resolution events out of
// receipt logs and packs call data for cancelTrade, declineTrade and
// acceptTrade. Decoding is a pure function of a log; a log that does not
// match returns false and is never an error.
package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/nftswap/internal/chain"
)

const (
	EventTradeCreated   = "TradeCreated"
	EventTradeCancelled = "TradeCancelled"
	EventTradeDeclined  = "TradeDeclined"
	EventTradeAccepted  = "TradeAccepted"
)

var ErrUnknownAction = errors.New("escrow: unknown action")

// Action is an escrow resolution entry point.
type Action string

const (
	ActionCancel  Action = "cancel"
	ActionDecline Action = "decline"
	ActionAccept  Action = "accept"
)

// Method returns the contract function name for the action.
func (a Action) Method() string {
	switch a {
	case ActionCancel:
		return "cancelTrade"
	case ActionDecline:
		return "declineTrade"
	case ActionAccept:
		return "acceptTrade"
	}
	return ""
}

// Event returns the event the contract emits when the action succeeds.
func (a Action) Event() string {
	switch a {
	case ActionCancel:
		return EventTradeCancelled
	case ActionDecline:
		return EventTradeDeclined
	case ActionAccept:
		return EventTradeAccepted
	}
	return ""
}

// ParseAction maps a user-supplied action name to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if a.Method() == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// TradeCreated is the decoded creation event. It is ephemeral: built during
// recovery or creation confirmation and discarded afterwards.
type TradeCreated struct {
	TradeID         *big.Int       `json:"tradeId"`
	Creator         common.Address `json:"creator"`
	Counterparty    common.Address `json:"counterparty"`
	OfferedCount    *big.Int       `json:"offeredCount"`
	RequestedCount  *big.Int       `json:"requestedCount"`
	OfferedNative   *big.Int       `json:"offeredNative"`
	RequestedNative *big.Int       `json:"requestedNative"`
	Expiration      *big.Int       `json:"expiration"`

	Contract common.Address `json:"contract"`
	LogIndex uint           `json:"logIndex"`
}

// Resolution is a decoded cancel, decline or accept event.
type Resolution struct {
	Event    string         `json:"event"`
	TradeID  *big.Int       `json:"tradeId"`
	By       common.Address `json:"by"`
	LogIndex uint           `json:"logIndex"`
}

// CallData is an unsigned contract call for the client wallet to submit.
type CallData struct {
	To     string        `json:"to"`
	Method string        `json:"method"`
	Data   hexutil.Bytes `json:"data"`
}

// Contract binds the escrow ABI to a deployed address.
type Contract struct {
	address common.Address
	abi     abi.ABI
}

// New binds the escrow ABI to address.
func New(address common.Address) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("escrow: parse abi: %w", err)
	}
	return &Contract{address: address, abi: parsed}, nil
}

// MustNew is New for package-level and test setup.
func MustNew(address common.Address) *Contract {
	c, err := New(address)
	if err != nil {
		panic(err)
	}
	return c
}

// Address returns the contract address.
func (c *Contract) Address() common.Address {
	return c.address
}

// DecodeTradeCreated decodes l as a TradeCreated event. It returns false
// when l was emitted by another contract, carries another event, or is
// malformed.
func (c *Contract) DecodeTradeCreated(l chain.Log) (TradeCreated, bool) {
	fields, ok := c.decode(EventTradeCreated, l)
	if !ok {
		return TradeCreated{}, false
	}
	ev := TradeCreated{Contract: l.Address, LogIndex: l.Index}
	ok = bigField(fields, "tradeId", &ev.TradeID) &&
		addressField(fields, "creator", &ev.Creator) &&
		addressField(fields, "counterparty", &ev.Counterparty) &&
		bigField(fields, "offeredCount", &ev.OfferedCount) &&
		bigField(fields, "requestedCount", &ev.RequestedCount) &&
		bigField(fields, "offeredNative", &ev.OfferedNative) &&
		bigField(fields, "requestedNative", &ev.RequestedNative) &&
		bigField(fields, "expiration", &ev.Expiration)
	if !ok {
		return TradeCreated{}, false
	}
	return ev, true
}

// DecodeResolution decodes l as one of the resolution events.
func (c *Contract) DecodeResolution(l chain.Log) (Resolution, bool) {
	for _, name := range []string{EventTradeCancelled, EventTradeDeclined, EventTradeAccepted} {
		fields, ok := c.decode(name, l)
		if !ok {
			continue
		}
		res := Resolution{Event: name, LogIndex: l.Index}
		if bigField(fields, "tradeId", &res.TradeID) && addressField(fields, "by", &res.By) {
			return res, true
		}
	}
	return Resolution{}, false
}

// ResolutionTopics returns the event ids of the cancel, decline and accept
// events, for use as a log filter.
func (c *Contract) ResolutionTopics() []common.Hash {
	names := []string{EventTradeCancelled, EventTradeDeclined, EventTradeAccepted}
	out := make([]common.Hash, 0, len(names))
	for _, name := range names {
		out = append(out, c.abi.Events[name].ID)
	}
	return out
}

// Pack builds call data for action on the given on-chain trade id.
func (c *Contract) Pack(action Action, tradeID *big.Int) (CallData, error) {
	method := action.Method()
	if method == "" {
		return CallData{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	data, err := c.abi.Pack(method, tradeID)
	if err != nil {
		return CallData{}, fmt.Errorf("escrow: pack %s: %w", method, err)
	}
	return CallData{To: strings.ToLower(c.address.Hex()), Method: method, Data: data}, nil
}

func (c *Contract) decode(name string, l chain.Log) (map[string]any, bool) {
	if l.Address != c.address {
		return nil, false
	}
	event, ok := c.abi.Events[name]
	if !ok || len(l.Topics) == 0 || l.Topics[0] != event.ID {
		return nil, false
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(l.Topics)-1 != len(indexed) {
		return nil, false
	}

	fields := make(map[string]any, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
		return nil, false
	}
	if err := event.Inputs.NonIndexed().UnpackIntoMap(fields, l.Data); err != nil {
		return nil, false
	}
	return fields, true
}

func bigField(fields map[string]any, name string, dst **big.Int) bool {
	v, ok := fields[name].(*big.Int)
	if ok {
		*dst = v
	}
	return ok
}

func addressField(fields map[string]any, name string, dst *common.Address) bool {
	v, ok := fields[name].(common.Address)
	if ok {
		*dst = v
	}
	return ok
}
