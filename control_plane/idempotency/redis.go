package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares idempotency state between replicas in two phases:
// a LOCKED lease while the first request executes, then a RESULT key
// that later requests replay.
type RedisStore struct {
	client      *redis.Client
	coordinator store.Coordinator
	logger      *slog.Logger

	// lockTTL must exceed the longest expected execution.
	lockTTL   time.Duration
	resultTTL time.Duration
	maxWait   time.Duration
}

type stored struct {
	Response
	CreatedAt time.Time `json:"created_at"`
}

func NewRedisStore(client *redis.Client, c store.Coordinator, logger *slog.Logger, resultTTL time.Duration) *RedisStore {
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	return &RedisStore{
		client:      client,
		coordinator: c,
		logger:      logger,
		lockTTL:     2 * time.Minute,
		resultTTL:   resultTTL,
		maxWait:     30 * time.Second,
	}
}

func resultKey(tenantID, key string) string {
	return store.TenantKey(tenantID, store.ResourceIdempotency, key+":result")
}

func lockKey(tenantID, key string) string {
	return store.TenantKey(tenantID, store.ResourceIdempotency, key+":lock")
}

func (s *RedisStore) result(ctx context.Context, tenantID, key string) (*Response, error) {
	start := time.Now()
	data, err := s.client.Get(ctx, resultKey(tenantID, key)).Bytes()
	observability.RedisLatency.Observe(time.Since(start).Seconds())
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r stored
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	return &r.Response, nil
}

func (s *RedisStore) Do(ctx context.Context, tenantID, key string, fn func(context.Context) (Response, error)) (Response, bool, error) {
	if r, err := s.result(ctx, tenantID, key); err != nil {
		return Response{}, false, err
	} else if r != nil {
		observability.IdempotencyReplays.WithLabelValues("redis").Inc()
		return *r, true, nil
	}

	lock, owner := lockKey(tenantID, key), uuid.NewString()
	acquired, err := s.coordinator.AcquireLock(ctx, lock, owner, s.lockTTL)
	if err != nil {
		return Response{}, false, err
	}
	if !acquired {
		r, err := s.wait(ctx, tenantID, key)
		if err != nil {
			return Response{}, false, err
		}
		observability.IdempotencyReplays.WithLabelValues("redis").Inc()
		return *r, true, nil
	}
	defer s.release(lock, owner)

	// a previous holder may have finished between the first read and the lock
	if r, err := s.result(ctx, tenantID, key); err != nil {
		return Response{}, false, err
	} else if r != nil {
		observability.IdempotencyReplays.WithLabelValues("redis").Inc()
		return *r, true, nil
	}

	resp, err := fn(ctx)
	if err != nil {
		return Response{}, false, err
	}

	data, err := json.Marshal(stored{Response: resp, CreatedAt: time.Now()})
	if err != nil {
		return resp, false, nil
	}
	if err := s.client.Set(ctx, resultKey(tenantID, key), data, s.resultTTL).Err(); err != nil {
		// executed; a retry will run again
		s.logger.Warn("failed to store idempotent response", "tenant", tenantID, "key", key, "error", err)
	}
	return resp, false, nil
}

// wait polls for the RESULT of a request holding the lock.
func (s *RedisStore) wait(ctx context.Context, tenantID, key string) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = s.maxWait

	var resp *Response
	err := backoff.Retry(func() error {
		r, err := s.result(ctx, tenantID, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		if r != nil {
			resp = r
			return nil
		}
		owner, err := s.coordinator.GetLockOwner(ctx, lockKey(tenantID, key))
		if err != nil {
			return backoff.Permanent(err)
		}
		if owner == "" {
			// released: either stored just now or the holder failed
			r, err := s.result(ctx, tenantID, key)
			if err != nil {
				return backoff.Permanent(err)
			}
			if r == nil {
				return backoff.Permanent(fmt.Errorf("idempotency key %q: previous attempt failed", key))
			}
			resp = r
			return nil
		}
		return ErrInFlight
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *RedisStore) release(lock, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.coordinator.ReleaseLock(ctx, lock, owner); err != nil {
		s.logger.Warn("failed to release idempotency lock", "key", lock, "error", err)
	}
}
