// Package chain is a read-only connector to the blockchain RPC endpoint.
//
// It fetches transaction receipts by hash and filtered event logs and
// returns them as typed values.
// RPC calls are retried with backoff, guarded by a circuit breaker, collapsed
// per hash with singleflight and optionally cached. The cache only ever holds
// mined receipts, which never change.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/nftswap/internal/circuitbreaker"
	"github.com/mbd888/nftswap/internal/logging"
	"github.com/mbd888/nftswap/internal/metrics"
	"github.com/mbd888/nftswap/internal/retry"
	"github.com/mbd888/nftswap/internal/traces"
	"github.com/mbd888/nftswap/internal/validation"
)

var (
	ErrInvalidHash     = errors.New("chain: invalid transaction hash")
	ErrReceiptNotFound = errors.New("chain: transaction receipt not found")
	ErrUnavailable     = errors.New("chain: rpc unavailable")
)

const (
	methodReceipt     = "eth_getTransactionReceipt"
	methodBlockNumber = "eth_blockNumber"
	methodGetLogs     = "eth_getLogs"
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// LogReader is the read surface consumed by the escrow event watcher.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, f LogFilter) ([]Log, error)
}

// LogFilter selects logs emitted by Address in the inclusive block range
// [FromBlock, ToBlock] whose first topic is one of Topics.
type LogFilter struct {
	Address   common.Address
	FromBlock uint64
	ToBlock   uint64
	Topics    []common.Hash
}

// ReceiptReader is the read surface consumed by the recovery resolver and
// the trade manager.
type ReceiptReader interface {
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// Client fetches receipts from an EthClient.
type Client struct {
	eth     EthClient
	retry   retry.Policy
	breaker *circuitbreaker.Breaker
	cache   ReceiptCache
	logger  *slog.Logger
	group   singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithRetry overrides the RPC retry policy.
func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithBreaker overrides the circuit breaker guarding RPC calls.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithCache sets the receipt cache. Without one every lookup hits the node.
func WithCache(rc ReceiptCache) Option {
	return func(c *Client) { c.cache = rc }
}

// WithLogger sets the logger used for cache failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New wraps an EthClient.
func New(eth EthClient, opts ...Option) *Client {
	c := &Client{
		eth:     eth,
		retry:   retry.DefaultPolicy(),
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to rpcURL and returns a Client.
func Dial(ctx context.Context, rpcURL string, opts ...Option) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return New(eth, opts...), nil
}

// GetReceipt returns the receipt for txHash.
//
// It fails with ErrInvalidHash (no network call) when txHash is not 0x plus
// 64 hex digits, ErrReceiptNotFound when the node has no such transaction,
// and ErrUnavailable while the circuit is open. Other RPC failures are
// returned wrapped after the retry policy is exhausted.
func (c *Client) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if !validation.IsValidTxHash(txHash) {
		return nil, ErrInvalidHash
	}
	key := strings.ToLower(txHash)

	ctx, span := traces.StartSpan(ctx, "chain.GetReceipt", traces.TxHash(key))
	defer span.End()

	if r, ok := c.cached(ctx, key); ok {
		return r, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, key)
	})
	if err != nil {
		if !errors.Is(err, ErrReceiptNotFound) {
			traces.Fail(span, err, "receipt fetch failed")
		}
		return nil, err
	}
	return v.(*Receipt), nil
}

func (c *Client) fetch(ctx context.Context, hash string) (*Receipt, error) {
	var raw *types.Receipt
	err := c.breaker.Do(methodReceipt, func() error {
		return retry.Do(ctx, c.retry, func() error {
			start := time.Now()
			r, err := c.eth.TransactionReceipt(ctx, common.HexToHash(hash))
			if errors.Is(err, ethereum.NotFound) {
				metrics.ObserveRPC(methodReceipt, start, nil)
				return retry.Permanent(err)
			}
			metrics.ObserveRPC(methodReceipt, start, err)
			if err != nil {
				return err
			}
			raw = r
			return nil
		})
	}, countsAsFailure)

	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		return nil, ErrUnavailable
	case errors.Is(err, ethereum.NotFound):
		return nil, ErrReceiptNotFound
	default:
		return nil, fmt.Errorf("chain: get receipt %s: %w", hash, err)
	}

	receipt := fromTypes(raw)
	if c.cache != nil {
		if err := c.cache.Set(ctx, hash, receipt); err != nil {
			metrics.ReceiptCacheTotal.WithLabelValues("error").Inc()
			c.logger.Warn("receipt cache write failed", "tx_hash", hash, "error", err)
		}
	}
	return receipt, nil
}

func (c *Client) cached(ctx context.Context, hash string) (*Receipt, bool) {
	if c.cache == nil {
		return nil, false
	}
	r, err := c.cache.Get(ctx, hash)
	switch {
	case err == nil:
		metrics.ReceiptCacheTotal.WithLabelValues("hit").Inc()
		return r, true
	case errors.Is(err, ErrCacheMiss):
		metrics.ReceiptCacheTotal.WithLabelValues("miss").Inc()
	default:
		metrics.ReceiptCacheTotal.WithLabelValues("error").Inc()
		c.logger.Warn("receipt cache read failed", "tx_hash", hash, "error", err)
	}
	return nil, false
}

// BlockNumber returns the latest block number known to the node.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.breaker.Do(methodBlockNumber, func() error {
		start := time.Now()
		var err error
		n, err = c.eth.BlockNumber(ctx)
		metrics.ObserveRPC(methodBlockNumber, start, err)
		return err
	}, countsAsFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return 0, ErrUnavailable
	}
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// FilterLogs returns the logs matching f in block order. Removed logs from
// a reorganised block are dropped.
func (c *Client) FilterLogs(ctx context.Context, f LogFilter) ([]Log, error) {
	if f.ToBlock < f.FromBlock {
		return nil, fmt.Errorf("chain: filter logs: block range %d-%d is inverted", f.FromBlock, f.ToBlock)
	}
	ctx, span := traces.StartSpan(ctx, "chain.FilterLogs")
	defer span.End()

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(f.FromBlock),
		ToBlock:   new(big.Int).SetUint64(f.ToBlock),
		Addresses: []common.Address{f.Address},
	}
	if len(f.Topics) > 0 {
		q.Topics = [][]common.Hash{f.Topics}
	}

	var raw []types.Log
	err := c.breaker.Do(methodGetLogs, func() error {
		return retry.Do(ctx, c.retry, func() error {
			start := time.Now()
			logs, err := c.eth.FilterLogs(ctx, q)
			metrics.ObserveRPC(methodGetLogs, start, err)
			if err != nil {
				return err
			}
			raw = logs
			return nil
		})
	}, countsAsFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, ErrUnavailable
	}
	if err != nil {
		traces.Fail(span, err, "filter logs failed")
		return nil, fmt.Errorf("chain: filter logs %d-%d: %w", f.FromBlock, f.ToBlock, err)
	}

	out := make([]Log, 0, len(raw))
	for i := range raw {
		if raw[i].Removed {
			continue
		}
		out = append(out, fromTypesLog(&raw[i]))
	}
	return out, nil
}

// PingContext satisfies health.Pinger.
func (c *Client) PingContext(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// A missing transaction is a valid answer and a cancelled caller says
// nothing about the node, so neither trips the breaker.
func countsAsFailure(err error) bool {
	return !errors.Is(err, ethereum.NotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
