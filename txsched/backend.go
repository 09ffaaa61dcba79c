package txsched

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisEventBackend publishes mode and regime change events on redis
// pub/sub channels so dashboards and other scheduler instances can follow
// regime transitions without polling.
type RedisEventBackend struct {
	client        *redis.Client
	modeChannel   string
	regimeChannel string
}

func NewRedisEventBackend(redisClient *redis.Client, modeChannel, regimeChannel string) *RedisEventBackend {
	return &RedisEventBackend{
		client:        redisClient,
		modeChannel:   modeChannel,
		regimeChannel: regimeChannel,
	}
}

func (b *RedisEventBackend) NotifyModeChange(ctx context.Context, ev *ModeChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.modeChannel, data).Err()
}

func (b *RedisEventBackend) NotifyRegimeChange(ctx context.Context, ev *RegimeChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.regimeChannel, data).Err()
}

// RedisCancellationCache marks cancelled intent handles with a TTL so a
// cancellation received by one instance is visible to every instance before
// the next submission attempt.
type RedisCancellationCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRedisCancellationCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RedisCancellationCache {
	return &RedisCancellationCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (c *RedisCancellationCache) Add(ctx context.Context, handle common.Hash) error {
	return c.client.Set(ctx, c.keyPrefix+handle.Hex(), 1, c.expireDuration).Err()
}

func (c *RedisCancellationCache) IsCancelled(ctx context.Context, handle common.Hash) (bool, error) {
	res, err := c.client.Exists(ctx, c.keyPrefix+handle.Hex()).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// DeleteAll deletes all the keys in the cache. It can be very slow and should only be used for testing.
func (c *RedisCancellationCache) DeleteAll(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
