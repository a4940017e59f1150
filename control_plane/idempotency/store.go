package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"golang.org/x/sync/singleflight"
)

// Response is the recorded outcome of a request, replayed verbatim to retries.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// ErrInFlight is returned when a request with the same key is still executing
// and did not finish within the wait budget.
var ErrInFlight = errors.New("request with this idempotency key is still in progress")

// Store runs a request at most once per key and replays its response.
type Store interface {
	// Do returns the stored response for key, or runs fn and stores its
	// response. replayed is true when fn did not run for this caller.
	// Responses of failed executions (err != nil) are never stored.
	Do(ctx context.Context, tenantID, key string, fn func(context.Context) (Response, error)) (resp Response, replayed bool, err error)
}

// MemoryStore keeps responses in process for TTL. Concurrent callers with
// the same key share one execution.
type MemoryStore struct {
	cache sync.Map
	group singleflight.Group
	ttl   time.Duration
}

type entry struct {
	resp      Response
	timestamp time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{ttl: ttl}
}

func (s *MemoryStore) get(key string) (Response, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *MemoryStore) Do(ctx context.Context, tenantID, key string, fn func(context.Context) (Response, error)) (Response, bool, error) {
	k := tenantID + "/" + key
	if resp, ok := s.get(k); ok {
		observability.IdempotencyReplays.WithLabelValues("memory").Inc()
		return resp, true, nil
	}

	executed := false
	v, err, _ := s.group.Do(k, func() (interface{}, error) {
		// another caller may have stored it between get and Do
		if resp, ok := s.get(k); ok {
			return resp, nil
		}
		executed = true
		resp, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		s.cache.Store(k, entry{resp: resp, timestamp: time.Now()})
		return resp, nil
	})
	if err != nil {
		return Response{}, false, err
	}
	if !executed {
		observability.IdempotencyReplays.WithLabelValues("memory").Inc()
	}
	return v.(Response), !executed, nil
}

// Sweep drops expired entries. Run periodically by the server.
func (s *MemoryStore) Sweep() int {
	removed := 0
	s.cache.Range(func(k, v interface{}) bool {
		if time.Since(v.(entry).timestamp) > s.ttl {
			s.cache.Delete(k)
			removed++
		}
		return true
	})
	return removed
}
