package lock

import (
	"context"
	"errors"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type redisLocker struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisLocker constructs a Redis backed locker shared by all releaser instances.
func NewRedisLocker(addr, password string, db int, logger *slog.Logger) (Locker, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return newRedisLocker(client, logger), nil
}

func newRedisLocker(client *redis.Client, logger *slog.Logger) *redisLocker {
	return &redisLocker{
		client:  client,
		logger:  logger,
		prefix:  "releaser:lock:",
		timeout: 2 * time.Second,
	}
}

func (l *redisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ok, err := l.client.SetNX(ctx, l.prefix+key, owner, ttl).Result()
	if err != nil {
		l.logRedisError("setnx", err)
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-acquiring a lease already held by owner extends it.
	return l.Refresh(ctx, key, owner, ttl)
}

func (l *redisLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := refreshScript.Run(ctx, l.client, []string{l.prefix + key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		l.logRedisError("refresh", err)
		return false, err
	}
	return res == 1, nil
}

func (l *redisLocker) Release(ctx context.Context, key, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, owner).Err(); err != nil {
		l.logRedisError("release", err)
		return err
	}
	return nil
}

func (l *redisLocker) Owner(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	owner, err := l.client.Get(ctx, l.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		l.logRedisError("get", err)
		return "", false, err
	}
	return owner, true, nil
}

func (l *redisLocker) Close() {
	if l.client != nil {
		_ = l.client.Close()
	}
}

func (l *redisLocker) logRedisError(op string, err error) {
	if l.logger == nil {
		return
	}
	l.logger.Error("redis locker error", "op", op, "error", err)
}
