// Package redis provides adapters to redis client
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// NonceFailureCounter counts AccountNonceTooHigh results per chain and signer,
// a counter expires when no failure happens for expireDuration
type NonceFailureCounter struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewNonceFailureCounter(client *redis.Client, expireDuration time.Duration, keyPrefix string) *NonceFailureCounter {
	return &NonceFailureCounter{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (c *NonceFailureCounter) key(chainID uint64, signer common.Address) string {
	return c.keyPrefix + strconv.FormatUint(chainID, 10) + ":" + signer.Hex()
}

func (c *NonceFailureCounter) IncNonceFailures(ctx context.Context, chainID uint64, signer common.Address) (uint64, error) {
	key := c.key(chainID, signer)
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// ignore expiry error as it is not critical
	_ = c.client.Expire(ctx, key, c.expireDuration).Err()
	return uint64(count), nil
}

func (c *NonceFailureCounter) GetNonceFailures(ctx context.Context, chainID uint64, signer common.Address) (uint64, error) {
	count, err := c.client.Get(ctx, c.key(chainID, signer)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

func (c *NonceFailureCounter) ResetNonceFailures(ctx context.Context, chainID uint64, signer common.Address) error {
	return c.client.Del(ctx, c.key(chainID, signer)).Err()
}
