// Package lock keeps several scheduler replicas from ticking the same
// pipeline at once.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/livinlefevreloca/cadence/internal/config"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock: held by another process")

// Release gives a lock back. It is safe to call after the TTL expired.
type Release func(ctx context.Context) error

// Locker acquires a named lock.
type Locker interface {
	Acquire(ctx context.Context, name string) (Release, error)
}

// Noop always succeeds.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (Release, error) {
	return func(context.Context) error { return nil }, nil
}

// client is the subset of redis.Cmdable the lock needs.
type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Redis is a SET NX lock with a TTL and a random owner token.
type Redis struct {
	client client
	prefix string
	ttl    time.Duration
	token  func() string
}

// NewRedis wraps a go-redis client.
func NewRedis(c client, prefix string, ttl time.Duration) *Redis {
	return &Redis{
		client: c,
		prefix: prefix,
		ttl:    ttl,
		token:  func() string { return uuid.NewString() },
	}
}

func (r *Redis) Acquire(ctx context.Context, name string) (Release, error) {
	key := r.prefix + name
	token := r.token()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "acquiring lock %s", key)
	}
	if !ok {
		return nil, errors.Wrapf(ErrNotAcquired, "lock %s", key)
	}

	return func(ctx context.Context) error {
		if err := r.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
			return errors.Wrapf(err, "releasing lock %s", key)
		}
		return nil
	}, nil
}

// FromConfig returns the configured locker and a function that closes its
// connection.
func FromConfig(cfg config.LockConfig, logger *slog.Logger) (Locker, func() error) {
	if cfg.Backend != config.LockRedis {
		return Noop{}, func() error { return nil }
	}
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	logger.Info("using redis tick lock", "addr", cfg.RedisAddr, "ttl", cfg.TTL)
	return NewRedis(c, cfg.KeyPrefix, cfg.TTL), c.Close
}
