package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	auth "github.com/goliatone/go-auth-lifecycle"
	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces counter keys
const DefaultPrefix = "auth_attempts"

// the window starts with the first increment and is not extended by later ones
var incrementScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisCounter is a fixed window auth.AttemptCounter shared by every
// instance that points at the same redis.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

var _ auth.AttemptCounter = (*RedisCounter)(nil)

// NewRedisCounter creates a counter, an empty prefix uses DefaultPrefix.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// Increment implements auth.AttemptCounter.
func (c *RedisCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	if window <= 0 {
		return 0, goerrors.New("attempt window must be positive", goerrors.CategoryBadInput)
	}

	n, err := incrementScript.Run(ctx, c.client, []string{c.key(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to increment attempt counter")
	}
	return n, nil
}

// Count implements auth.AttemptCounter.
func (c *RedisCounter) Count(ctx context.Context, key string) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	n, err := c.client.Get(ctx, c.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to read attempt counter")
	}
	return n, nil
}

// Reset implements auth.AttemptCounter.
func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	if err := c.ready(); err != nil {
		return err
	}

	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to reset attempt counter")
	}
	return nil
}

func (c *RedisCounter) ready() error {
	if c == nil || c.client == nil {
		return goerrors.New("redis client is not configured", goerrors.CategoryInternal)
	}
	return nil
}

func (c *RedisCounter) key(key string) string {
	return c.prefix + ":" + key
}
