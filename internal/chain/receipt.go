package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptStatus is the outcome flag of a mined transaction.
type ReceiptStatus string

const (
	StatusSuccess  ReceiptStatus = "success"
	StatusReverted ReceiptStatus = "reverted"
)

// Log is a single event log emitted by a transaction, in receipt order.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
	Index   uint           `json:"logIndex"`

	// Set for logs returned by a filter query; receipt logs leave them zero.
	TxHash      common.Hash `json:"transactionHash"`
	BlockNumber uint64      `json:"blockNumber,omitempty"`
}

// Receipt is the chain's record of a mined transaction. Receipts are
// immutable once mined, so callers must treat them as read-only values
// shared through the cache.
type Receipt struct {
	TxHash      common.Hash   `json:"transactionHash"`
	Status      ReceiptStatus `json:"status"`
	BlockNumber uint64        `json:"blockNumber"`
	Logs        []Log         `json:"logs"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool { return r.Status == StatusSuccess }

func fromTypes(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash: r.TxHash,
		Status: StatusReverted,
		Logs:   make([]Log, 0, len(r.Logs)),
	}
	if r.Status == types.ReceiptStatusSuccessful {
		out.Status = StatusSuccess
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		if l == nil {
			continue
		}
		out.Logs = append(out.Logs, fromTypesLog(l))
	}
	return out
}

func fromTypesLog(l *types.Log) Log {
	return Log{
		Address:     l.Address,
		Topics:      append([]common.Hash(nil), l.Topics...),
		Data:        append(hexutil.Bytes(nil), l.Data...),
		Index:       l.Index,
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
	}
}
