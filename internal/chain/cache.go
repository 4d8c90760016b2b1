package chain

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrCacheMiss is returned by ReceiptCache.Get when nothing is stored for a hash.
var ErrCacheMiss = errors.New("chain: receipt cache miss")

// ReceiptCache stores mined receipts by lower-cased transaction hash.
// Implementations must bound entry lifetime; the client never depends on a
// hit for correctness.
type ReceiptCache interface {
	Get(ctx context.Context, txHash string) (*Receipt, error)
	Set(ctx context.Context, txHash string, r *Receipt) error
}

// MemoryCache is an in-process ReceiptCache with a TTL and LRU eviction
// once size entries are held.
type MemoryCache struct {
	lru *expirable.LRU[string, *Receipt]
}

// NewMemoryCache creates a MemoryCache holding at most size receipts for ttl each.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 1
	}
	return &MemoryCache{lru: expirable.NewLRU[string, *Receipt](size, nil, ttl)}
}

func (m *MemoryCache) Get(_ context.Context, txHash string) (*Receipt, error) {
	r, ok := m.lru.Get(txHash)
	if !ok {
		return nil, ErrCacheMiss
	}
	return r, nil
}

func (m *MemoryCache) Set(_ context.Context, txHash string, r *Receipt) error {
	m.lru.Add(txHash, r)
	return nil
}

// Len returns the number of live entries.
func (m *MemoryCache) Len() int {
	return m.lru.Len()
}
