package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/pharmacy-ledger/internal/port"
)

const (
	stockKeyPrefix       = "stock:"
	idempotencyKeyPrefix = "idem:"
	idempotencyKeyTTL    = 24 * time.Hour
)

// setStockScript writes the mirrored quantity unless a later entry already
// landed, so out-of-order workers cannot roll the mirror back.
var setStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = ARGV[1]
local sequence = tonumber(ARGV[2])

local current = redis.call('HGET', key, 'sequence')
if current and tonumber(current) >= sequence then
	return 0
end

redis.call('HSET', key, 'quantity', quantity, 'sequence', sequence)
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

func (r *RedisAdapter) SetStock(ctx context.Context, itemID string, quantity, sequence int64) error {
	key := stockKeyPrefix + itemID
	return setStockScript.Run(ctx, r.client, []string{key}, quantity, sequence).Err()
}

func (r *RedisAdapter) GetStock(ctx context.Context, itemID string) (int64, bool, error) {
	key := stockKeyPrefix + itemID

	quantity, err := r.client.HGet(ctx, key, "quantity").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return quantity, true, nil
}

var _ port.CacheRepository = (*RedisAdapter)(nil)
