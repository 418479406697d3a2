package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/retail-pos/internal/core/domain"
)

const counterKeyPrefix = "rl:"

// The window starts on the first hit; later hits never extend it.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])

local count = redis.call('INCR', key)
if count == 1 then
	redis.call('PEXPIRE', key, window)
end

local ttl = redis.call('PTTL', key)
if ttl < 0 then
	redis.call('PEXPIRE', key, window)
	ttl = window
end

return {count, ttl}
`)

type RedisAdapter struct {
	client redis.UniversalClient
}

func NewRedisAdapter(client redis.UniversalClient) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Consume(ctx context.Context, key string, window time.Duration) (domain.Consumption, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{counterKeyPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return domain.Consumption{}, fmt.Errorf("consume %s: %w", key, err)
	}
	if len(res) != 2 {
		return domain.Consumption{}, errors.New("consume: unexpected script reply")
	}

	return domain.Consumption{
		Count:   int(res[0]),
		ResetIn: time.Duration(res[1]) * time.Millisecond,
	}, nil
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
