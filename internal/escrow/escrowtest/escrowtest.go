// Package escrowtest builds escrow receipts and logs for tests, and provides
// an in-memory chain.ReceiptReader.
package escrowtest

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/nftswap/internal/chain"
	"github.com/mbd888/nftswap/internal/validation"
)

// Event topics computed from the canonical signatures.
var (
	TradeCreatedTopic   = crypto.Keccak256Hash([]byte("TradeCreated(uint256,address,address,uint256,uint256,uint256,uint256,uint256)"))
	TradeCancelledTopic = crypto.Keccak256Hash([]byte("TradeCancelled(uint256,address)"))
	TradeDeclinedTopic  = crypto.Keccak256Hash([]byte("TradeDeclined(uint256,address)"))
	TradeAcceptedTopic  = crypto.Keccak256Hash([]byte("TradeAccepted(uint256,address)"))
)

// Contract is the escrow address used across tests.
var Contract = common.HexToAddress("0x00000000000000000000000000000000000e5c40")

// Created describes a TradeCreated event.
type Created struct {
	TradeID         int64
	Creator         common.Address
	Counterparty    common.Address
	OfferedCount    int64
	RequestedCount  int64
	OfferedNative   *big.Int
	RequestedNative *big.Int
	Expiration      int64
}

// CreatedLog encodes c as a TradeCreated log emitted by contract.
func CreatedLog(contract common.Address, index uint, c Created) chain.Log {
	data := make([]byte, 0, 5*32)
	for _, v := range []*big.Int{
		big.NewInt(c.OfferedCount),
		big.NewInt(c.RequestedCount),
		orZero(c.OfferedNative),
		orZero(c.RequestedNative),
		big.NewInt(c.Expiration),
	} {
		data = append(data, common.LeftPadBytes(v.Bytes(), 32)...)
	}
	return chain.Log{
		Address: contract,
		Topics: []common.Hash{
			TradeCreatedTopic,
			common.BigToHash(big.NewInt(c.TradeID)),
			common.BytesToHash(c.Creator.Bytes()),
			common.BytesToHash(c.Counterparty.Bytes()),
		},
		Data:  data,
		Index: index,
	}
}

// ResolutionLog encodes a cancel, decline or accept event.
func ResolutionLog(contract common.Address, index uint, topic common.Hash, tradeID int64, by common.Address) chain.Log {
	return chain.Log{
		Address: contract,
		Topics: []common.Hash{
			topic,
			common.BigToHash(big.NewInt(tradeID)),
			common.BytesToHash(by.Bytes()),
		},
		Index: index,
	}
}

// NoiseLog is an unrelated ERC-20 Transfer log.
func NoiseLog(contract common.Address, index uint) chain.Log {
	return chain.Log{
		Address: contract,
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
			common.BytesToHash(common.HexToAddress("0x01").Bytes()),
			common.BytesToHash(common.HexToAddress("0x02").Bytes()),
		},
		Data:  common.LeftPadBytes(big.NewInt(1000).Bytes(), 32),
		Index: index,
	}
}

// Receipt builds a receipt for hash.
func Receipt(hash string, status chain.ReceiptStatus, block uint64, logs ...chain.Log) *chain.Receipt {
	return &chain.Receipt{
		TxHash:      common.HexToHash(hash),
		Status:      status,
		BlockNumber: block,
		Logs:        logs,
	}
}

// Hash returns a deterministic, syntactically valid transaction hash.
func Hash(n int64) string {
	return common.BigToHash(big.NewInt(n)).Hex()
}

// Reader is an in-memory chain.ReceiptReader with the same error contract
// as chain.Client.
type Reader struct {
	mu       sync.Mutex
	receipts map[string]*chain.Receipt
	Err      error
	calls    atomic.Int32
}

// NewReader creates a Reader serving the given receipts.
func NewReader(receipts ...*chain.Receipt) *Reader {
	r := &Reader{receipts: make(map[string]*chain.Receipt)}
	for _, rc := range receipts {
		r.Add(rc)
	}
	return r
}

// Add registers a receipt.
func (r *Reader) Add(rc *chain.Receipt) {
	r.mu.Lock()
	r.receipts[strings.ToLower(rc.TxHash.Hex())] = rc
	r.mu.Unlock()
}

// Calls returns how many syntactically valid lookups reached the reader.
func (r *Reader) Calls() int {
	return int(r.calls.Load())
}

func (r *Reader) GetReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	if !validation.IsValidTxHash(txHash) {
		return nil, chain.ErrInvalidHash
	}
	r.calls.Add(1)
	if r.Err != nil {
		return nil, r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.receipts[strings.ToLower(txHash)]
	if !ok {
		return nil, chain.ErrReceiptNotFound
	}
	return rc, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
