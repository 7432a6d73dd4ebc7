package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisTTL caps how long a crashed holder blocks other runners.
const DefaultRedisTTL = 10 * time.Minute

var ErrNotHeld = errors.New("lock not held")

// Deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a distributed try-lock built on SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLocker{client: client, prefix: "lokamail:lock:", ttl: ttl}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("redis unlock %s: %w", name, ErrNotHeld)
		}
		return nil
	}
	return release, true, nil
}

// ConnectRedis parses url and pings the server, retrying with backoff
// while it comes up.
func ConnectRedis(ctx context.Context, url string, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ping := func() error {
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not ready, retrying", zap.Error(err))
			return err
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, b); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}
