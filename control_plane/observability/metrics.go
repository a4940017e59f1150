package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Deployment Lifecycle ===

	// Assignments tracks per-target assignment outcomes.
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetforge_assignments_total",
		Help: "Per-target assignment outcomes",
	}, []string{"result"}) // assigned, already_assigned, unknown, failed

	// AssignmentDuration tracks the wall time of a whole bulk assignment request.
	AssignmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetforge_assignment_duration_seconds",
		Help:    "Duration of a bulk assignment request",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
	})

	// SupersededActions tracks actions closed or flagged by a newer assignment.
	SupersededActions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetforge_superseded_actions_total",
		Help: "Actions superseded by a newer assignment",
	})

	// StatusReports tracks device feedback by reported status and how it was applied.
	StatusReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetforge_status_reports_total",
		Help: "Device status reports processed",
	}, []string{"status", "outcome"}) // outcome: applied, history_only, rejected

	// Cancellations tracks cancel requests, confirmations and force quits.
	Cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetforge_cancellations_total",
		Help: "Cancellation lifecycle events",
	}, []string{"kind"}) // requested, confirmed, rejected, force_quit

	// ActionsReactivated tracks superseded actions resumed after a cancellation.
	ActionsReactivated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetforge_actions_reactivated_total",
		Help: "Superseded actions resumed after the newer action was canceled",
	})

	// ConflictRetries tracks optimistic lock failures retried per operation.
	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetforge_conflict_retries_total",
		Help: "Optimistic lock failures retried",
	}, []string{"operation"})

	// TargetLockWait tracks time spent waiting for a per-target lock.
	TargetLockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetforge_target_lock_wait_seconds",
		Help:    "Time spent acquiring a per-target lock",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~6s
	}, []string{"backend"})

	// TargetsByUpdateStatus is refreshed by the status collector.
	TargetsByUpdateStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetforge_targets_by_update_status",
		Help: "Number of targets per aggregate update status",
	}, []string{"tenant", "status"})

	// TargetsOverdue counts targets that have not polled within the overdue threshold.
	TargetsOverdue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetforge_targets_overdue",
		Help: "Targets whose last poll is older than the overdue threshold",
	}, []string{"tenant"})

	// TargetsRegistered tracks targets created by first device contact.
	TargetsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetforge_targets_registered_total",
		Help: "Targets auto-registered on first poll",
	})

	// === Leadership ===

	// LeadershipEpoch tracks the current fencing epoch for the leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetforge_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetforge_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeadershipTransitionDuration tracks time taken for leadership transitions.
	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetforge_leader_transition_duration_seconds",
		Help:    "Time taken for leadership transition (step-down to become-leader)",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
	})

	// LeaderStatus tracks current leader status
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetforge_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// === Edges ===

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetforge_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type", "reason"})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetforge_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"}) // poll, feedback

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetforge_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// IdempotencyReplays tracks requests answered from the idempotency cache.
	IdempotencyReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetforge_idempotency_replays_total",
		Help: "Requests answered from a stored idempotent response",
	}, []string{"backend"})

	// StreamClients tracks connected websocket event stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetforge_stream_clients",
		Help: "Current number of websocket event stream clients",
	})
)
