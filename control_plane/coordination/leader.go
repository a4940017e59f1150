// Package coordination runs the singleton background work of a replicated
// control plane: leader election over a store.Coordinator lease and the
// loops that only the leader executes.
package coordination

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
)

const leaderLockKey = "fleetforge:lock:leader"

type LeaderElector struct {
	coordinator store.Coordinator
	nodeID      string
	lockKey     string
	ttl         time.Duration
	logger      *slog.Logger

	mu           sync.RWMutex
	isLeader     bool
	owner        string // lease value while held
	epoch        int64
	leaderCancel context.CancelFunc
	stepDownTime time.Time
	transitions  int64

	onElected func(context.Context)
	onLost    func()
}

type LeaderState struct {
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	Transitions  int64  `json:"transitions"`
	NodeID       string `json:"node_id"`
}

type fencingKey struct{}

// EpochFromContext extracts the fencing epoch from a leader context.
func EpochFromContext(ctx context.Context) (int64, bool) {
	epoch, ok := ctx.Value(fencingKey{}).(int64)
	return epoch, ok
}

func NewLeaderElector(c store.Coordinator, nodeID string, ttl time.Duration, logger *slog.Logger) *LeaderElector {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LeaderElector{
		coordinator: c,
		nodeID:      nodeID,
		lockKey:     leaderLockKey,
		ttl:         ttl,
		logger:      logger.With("component", "leader", "node_id", nodeID),
	}
}

// SetCallbacks registers the leadership hooks. onElected runs in its own
// goroutine with a context that is cancelled when leadership is lost.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) State() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:     l.isLeader,
		CurrentEpoch: l.epoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// Run campaigns until ctx is done, then steps down and releases the lease.
func (l *LeaderElector) Run(ctx context.Context) error {
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl
	interval := time.Duration(0)

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.stepDown()
			l.release()
			return nil
		case <-timer.C:
		}

		var err error
		if l.IsLeader() {
			var renewed bool
			renewed, err = l.renew(ctx)
			switch {
			case err != nil:
				renewFailures++
				l.logger.Warn("lease renew failed", "attempt", renewFailures, "max", maxRenewFailures, "error", err)
				if renewFailures >= maxRenewFailures {
					l.logger.Error("too many renew failures, stepping down")
					l.stepDown()
					renewFailures = 0
				}
			case !renewed:
				// the lease belongs to someone else now
				l.mu.Lock()
				l.owner = ""
				l.mu.Unlock()
				l.stepDown()
				renewFailures = 0
			default:
				renewFailures = 0
			}
		} else {
			var acquired bool
			acquired, err = l.acquire(ctx)
			if err == nil && acquired {
				l.becomeLeader()
			}
		}

		if err != nil {
			interval = min(max(interval*2, minInterval), maxInterval)
			l.logger.Debug("backing off", "interval", interval)
		} else {
			interval = minInterval
		}
		timer.Reset(interval)
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	owner := l.nodeID + ":" + uuid.NewString()
	acquired, err := l.coordinator.AcquireLock(ctx, l.lockKey, owner, l.ttl)
	if err != nil || !acquired {
		return false, err
	}

	// the epoch only moves when the lease changes hands
	epoch, err := l.coordinator.IncrementEpoch(ctx, l.lockKey)
	if err != nil {
		l.logger.Error("increment epoch failed, releasing lease", "error", err)
		l.releaseOwner(owner)
		return false, err
	}

	l.mu.Lock()
	l.owner = owner
	l.epoch = epoch
	l.mu.Unlock()
	return true, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	owner := l.owner
	l.mu.RUnlock()
	if owner == "" {
		return false, nil
	}
	return l.coordinator.RenewLock(ctx, l.lockKey, owner, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.Lock()
	owner := l.owner
	l.owner = ""
	l.mu.Unlock()
	if owner != "" {
		l.releaseOwner(owner)
	}
}

func (l *LeaderElector) releaseOwner(owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLock(ctx, l.lockKey, owner); err != nil {
		l.logger.Warn("release lease failed", "error", err)
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	l.transitions++
	base, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	leaderCtx := context.WithValue(base, fencingKey{}, l.epoch)
	epoch := l.epoch

	if !l.stepDownTime.IsZero() {
		took := time.Since(l.stepDownTime)
		observability.LeadershipTransitionDuration.Observe(took.Seconds())
		l.logger.Info("became leader", "epoch", epoch, "transition", took)
		l.stepDownTime = time.Time{}
	} else {
		l.logger.Info("became leader", "epoch", epoch)
	}
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.LeadershipEpoch.WithLabelValues(l.nodeID).Set(float64(epoch))
	observability.LeaderStatus.Set(1)

	if l.onElected != nil {
		go l.onElected(leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.stepDownTime = time.Now()
	if l.leaderCancel != nil {
		l.leaderCancel()
		l.leaderCancel = nil
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	l.logger.Warn("lost leadership")

	if l.onLost != nil {
		l.onLost()
	}
}
