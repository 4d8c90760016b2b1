package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements ReceiptCache on Redis so that several service
// replicas share receipt lookups.
//
// Key schema:
//
//	receipt:{txHash} - JSON-serialized Receipt, expires after ttl
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// DialRedis parses a redis:// URL, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// NewRedisCache creates a RedisCache storing receipts for ttl.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func receiptKey(txHash string) string { return "receipt:" + txHash }

func (rc *RedisCache) Get(ctx context.Context, txHash string) (*Receipt, error) {
	data, err := rc.rdb.Get(ctx, receiptKey(txHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: get receipt %s: %w", txHash, err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("redis: unmarshal receipt %s: %w", txHash, err)
	}
	return &r, nil
}

func (rc *RedisCache) Set(ctx context.Context, txHash string, r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: marshal receipt %s: %w", txHash, err)
	}
	if err := rc.rdb.Set(ctx, receiptKey(txHash), data, rc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set receipt %s: %w", txHash, err)
	}
	return nil
}

// PingContext satisfies health.Pinger.
func (rc *RedisCache) PingContext(ctx context.Context) error {
	return rc.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (rc *RedisCache) Close() error {
	return rc.rdb.Close()
}
