package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"metered-assistant/internal/domain"
)

const keyPrefix = "lease:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// redisAPI is the subset of *redis.Client used here.
type redisAPI interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Redis keeps leases in Redis so every instance sees them.
type Redis struct {
	rdb redisAPI
}

func NewRedis(rdb redisAPI) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("lease: redis client must not be nil")
	}
	return &Redis{rdb: rdb}, nil
}

// Acquire sets key with NX and a PX expiry. A key that already exists yields
// domain.ErrLeaseHeld.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if key == "" {
		return nil, errors.New("lease: key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease: ttl must be positive, got %s", ttl)
	}
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("lease: %q: %w", key, domain.ErrLeaseHeld)
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.rdb, []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("lease: release %q: %w", key, err)
		}
		return nil
	}, nil
}
