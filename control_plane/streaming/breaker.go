package streaming

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
)

// CircuitState is the state of a BreakerPublisher.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // publishing normally
	CircuitHalfOpen                     // probing recovery
	CircuitOpen                         // dropping events
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("event sink circuit open")

// BreakerPublisher stops calling a failing sink after threshold consecutive
// errors, so a Redis outage costs one fast failure per event instead of a
// network timeout. After cooldown one trial call is let through; its result
// closes or re-opens the circuit.
type BreakerPublisher struct {
	next      Publisher
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreakerPublisher(next Publisher, threshold int, cooldown time.Duration) *BreakerPublisher {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerPublisher{next: next, threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (b *BreakerPublisher) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = CircuitHalfOpen
	}
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *BreakerPublisher) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.state = CircuitClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= b.threshold {
		b.state = CircuitOpen
		b.openedAt = b.now()
	}
}

func (b *BreakerPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	if !b.admit() {
		observability.EventPublishFailures.WithLabelValues(topic, "circuit_open").Inc()
		return ErrCircuitOpen
	}
	err := b.next.Publish(ctx, topic, payload)
	b.record(err)
	return err
}

func (b *BreakerPublisher) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BreakerPublisher) Close() error {
	return b.next.Close()
}
