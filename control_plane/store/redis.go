package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/redis/go-redis/v9"
)

// RedisCoordinator implements Coordinator with Redis leases.
// Locks are plain keys set with NX and a TTL; renew and release are
// owner-checked in Lua so a replica never touches a lease it lost.
type RedisCoordinator struct {
	client *redis.Client

	renewSHA   string
	releaseSHA string
}

const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
end
return -2
`

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// NewRedisCoordinator preloads the Lua scripts so each call only ships the SHA.
func NewRedisCoordinator(ctx context.Context, client *redis.Client) (*RedisCoordinator, error) {
	renewSHA, err := client.ScriptLoad(ctx, renewScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload renew script: %w", err)
	}
	releaseSHA, err := client.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload release script: %w", err)
	}
	return &RedisCoordinator{
		client:     client,
		renewSHA:   renewSHA,
		releaseSHA: releaseSHA,
	}, nil
}

// Client exposes the underlying connection for publishers and caches sharing it.
func (c *RedisCoordinator) Client() *redis.Client {
	return c.client
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// AcquireLock uses SET key owner NX PX ttl.
func (c *RedisCoordinator) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())
	return c.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// RenewLock extends the TTL if the lock is still held by ownerID.
func (c *RedisCoordinator) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	res, err := c.client.EvalSha(ctx, c.renewSHA, []string{key}, ownerID, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from renew script")
	}
	// -1: key gone, -2: owned by someone else, 0: expired between calls
	return val == 1, nil
}

// ReleaseLock deletes the lock only if held by ownerID.
func (c *RedisCoordinator) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	defer observeRedis(time.Now())
	return c.client.EvalSha(ctx, c.releaseSHA, []string{key}, ownerID).Err()
}

// GetLockOwner returns the current owner, or empty if the lock is free.
func (c *RedisCoordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	defer observeRedis(time.Now())

	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// IncrementEpoch bumps the fencing counter stored next to key.
func (c *RedisCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	defer observeRedis(time.Now())
	return c.client.Incr(ctx, key+":epoch").Result()
}
