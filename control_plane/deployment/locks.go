package deployment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
)

// Locker serializes mutations of one target.
type Locker interface {
	Lock(ctx context.Context, tenantID, controllerID string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex. Entries are reference counted
// and dropped when nobody holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, tenantID, controllerID string) (func(), error) {
	key := tenantID + "/" + controllerID

	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	start := time.Now()
	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}
	observability.TargetLockWait.WithLabelValues("local").Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// size is used by tests to check that idle entries are dropped.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// RedisLocker holds a per-target lease in Redis so replicas serialize on the
// same target. The lease TTL bounds how long a crashed holder blocks others.
type RedisLocker struct {
	coordinator store.Coordinator
	nodeID      string
	ttl         time.Duration
	maxWait     time.Duration
}

func NewRedisLocker(c store.Coordinator, nodeID string, ttl, maxWait time.Duration) *RedisLocker {
	return &RedisLocker{coordinator: c, nodeID: nodeID, ttl: ttl, maxWait: maxWait}
}

func (l *RedisLocker) Lock(ctx context.Context, tenantID, controllerID string) (func(), error) {
	key := store.TenantKey(tenantID, store.ResourceTargetLock, controllerID)
	owner := l.nodeID + ":" + uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = l.maxWait

	start := time.Now()
	err := backoff.Retry(func() error {
		ok, err := l.coordinator.AcquireLock(ctx, key, owner, l.ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return fmt.Errorf("target %s/%s is locked", tenantID, controllerID)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("acquire target lock: %w", err)
	}
	observability.TargetLockWait.WithLabelValues("redis").Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's context may already be done
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			l.coordinator.ReleaseLock(rctx, key, owner)
		})
	}, nil
}
