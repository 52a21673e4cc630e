package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisGuard stores markers as SET NX keys with a TTL, shared across
// replicas.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

func NewRedisGuard(client *redis.Client, prefix string) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix}
}

func (g *RedisGuard) Run(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	created, err := g.client.SetNX(ctx, g.prefix+":"+key, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("set idempotency marker: %w", err)
	}
	if !created {
		// Duplicate delivery; side effects already ran (or are in flight).
		return nil
	}
	return fn(ctx)
}

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisLock is a set-if-absent lock with TTL for the reconciler's singleton
// sweep. Release only deletes the key when this holder still owns it.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return false, nil, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err()
	}
	return true, release, nil
}
