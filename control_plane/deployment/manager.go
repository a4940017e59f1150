package deployment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
)

// Config tunes the deployment engine.
type Config struct {
	ChunkSize            int           `yaml:"chunk_size"`
	AssignWorkers        int           `yaml:"assign_workers"`
	MaxConflictRetries   int           `yaml:"max_conflict_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	NotifyTimeout        time.Duration `yaml:"notify_timeout"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ChunkSize:            500,
		AssignWorkers:        8,
		MaxConflictRetries:   5,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     500 * time.Millisecond,
		NotifyTimeout:        2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.AssignWorkers <= 0 {
		c.AssignWorkers = d.AssignWorkers
	}
	// a negative value turns conflict retries off
	switch {
	case c.MaxConflictRetries == 0:
		c.MaxConflictRetries = d.MaxConflictRetries
	case c.MaxConflictRetries < 0:
		c.MaxConflictRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = d.RetryMaxInterval
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

// ModuleLookup answers completeness and composition of distribution sets.
type ModuleLookup interface {
	IsComplete(ctx context.Context, tenantID string, dsID int64) (bool, error)
	Modules(ctx context.Context, tenantID string, dsID int64) ([]store.SoftwareModule, error)
}

// DeviceNotifier tells devices about new work without waiting for their next poll.
type DeviceNotifier interface {
	NotifyAssignment(ctx context.Context, ev streaming.TargetAssigned) error
	NotifyCancel(ctx context.Context, ev streaming.CancelTargetAssignment) error
}

// Manager owns every mutation of targets' deployment state: assignment,
// device feedback and cancellation. Mutations of one target are serialized
// by the Locker and guarded by store revisions.
type Manager struct {
	store    store.Store
	modules  ModuleLookup
	notifier DeviceNotifier
	events   streaming.Publisher
	locker   Locker
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	inflight sync.WaitGroup
}

// Option configures optional collaborators of a Manager.
type Option func(*Manager)

func WithModuleLookup(l ModuleLookup) Option     { return func(m *Manager) { m.modules = l } }
func WithNotifier(n DeviceNotifier) Option       { return func(m *Manager) { m.notifier = n } }
func WithPublisher(p streaming.Publisher) Option { return func(m *Manager) { m.events = p } }
func WithLocker(l Locker) Option                 { return func(m *Manager) { m.locker = l } }
func WithClock(now func() time.Time) Option      { return func(m *Manager) { m.now = now } }

func NewManager(s store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  s,
		logger: logger.With("component", "deployment"),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.modules == nil {
		m.modules = storeModules{s}
	}
	if m.locker == nil {
		m.locker = NewLocalLocker()
	}
	return m
}

// Drain waits for in-flight notifications. Called on shutdown.
func (m *Manager) Drain() {
	m.inflight.Wait()
}

// storeModules answers from the cached flags on the distribution set row.
type storeModules struct{ s store.Store }

func (l storeModules) IsComplete(ctx context.Context, tenantID string, dsID int64) (bool, error) {
	ds, err := l.s.GetDistributionSet(ctx, tenantID, dsID)
	if err != nil {
		return false, err
	}
	return ds.Complete, nil
}

func (l storeModules) Modules(ctx context.Context, tenantID string, dsID int64) ([]store.SoftwareModule, error) {
	ds, err := l.s.GetDistributionSet(ctx, tenantID, dsID)
	if err != nil {
		return nil, err
	}
	return ds.Modules, nil
}

// targetState is a target with its whole action list (ID ascending), loaded
// under the target lock.
type targetState struct {
	target  *store.Target
	actions []*store.Action
}

func (st *targetState) find(actionID int64) *store.Action {
	for _, a := range st.actions {
		if a.ID == actionID {
			return a
		}
	}
	return nil
}

func (st *targetState) current() *store.Action {
	if st.target.ActiveActionID == nil {
		return nil
	}
	return st.find(*st.target.ActiveActionID)
}

type noticeKind int

const (
	noticeAssigned noticeKind = iota
	noticeCancel
	noticeUpdated
)

type notice struct {
	kind   noticeKind
	action *store.Action
}

// plan collects the writes of one mutation attempt.
type plan struct {
	change      store.TargetChange
	notices     []notice
	targetDirty bool
}

func (p *plan) writeAction(a *store.Action, statuses ...*store.ActionStatus) {
	p.write(a, false, statuses)
}

// appendHistory records a status entry without changing the action. It is
// committed in the same store transaction as the rest of the plan.
func (p *plan) appendHistory(a *store.Action, st *store.ActionStatus) {
	st.ActionID = a.ID
	p.write(a, true, []*store.ActionStatus{st})
}

func (p *plan) write(a *store.Action, historyOnly bool, statuses []*store.ActionStatus) {
	for i := range p.change.Actions {
		w := &p.change.Actions[i]
		if w.Action == a {
			w.Statuses = append(w.Statuses, statuses...)
			w.HistoryOnly = w.HistoryOnly && historyOnly
			return
		}
	}
	p.change.Actions = append(p.change.Actions, store.ActionWrite{Action: a, Statuses: statuses, HistoryOnly: historyOnly})
}

func (p *plan) notify(kind noticeKind, a *store.Action) {
	p.notices = append(p.notices, notice{kind: kind, action: a})
}

func statusEntry(code store.ActionStatusCode, at time.Time, messages ...string) *store.ActionStatus {
	return &store.ActionStatus{Status: code, OccurredAt: at, Messages: messages}
}

func (m *Manager) loadTarget(ctx context.Context, tenantID, controllerID string) (*targetState, error) {
	t, err := m.store.GetTarget(ctx, tenantID, controllerID)
	if err != nil {
		return nil, err
	}
	actions, err := m.store.ListActionsByTarget(ctx, tenantID, controllerID)
	if err != nil {
		return nil, err
	}
	return &targetState{target: t, actions: actions}, nil
}

// mutateTarget runs mutate under the target lock with conflict retry and
// commits its plan atomically. Notifications go out after the lock is released.
func (m *Manager) mutateTarget(ctx context.Context, tenantID, controllerID, op string, mutate func(ctx context.Context, st *targetState, p *plan) error) (*targetState, error) {
	unlock, err := m.locker.Lock(ctx, tenantID, controllerID)
	if err != nil {
		return nil, err
	}

	var st *targetState
	var p *plan
	err = m.retryOnConflict(ctx, op, func() error {
		var err error
		st, err = m.loadTarget(ctx, tenantID, controllerID)
		if err != nil {
			return err
		}
		p = &plan{}
		if err := mutate(ctx, st, p); err != nil {
			return err
		}
		return m.commit(ctx, tenantID, st, p)
	})
	unlock()
	if err != nil {
		return nil, err
	}

	m.dispatch(tenantID, st, p.notices)
	return st, nil
}

func (m *Manager) commit(ctx context.Context, tenantID string, st *targetState, p *plan) error {
	if derived := DeriveUpdateStatus(st.target, st.actions); derived != st.target.UpdateStatus {
		st.target.UpdateStatus = derived
		p.targetDirty = true
	}

	if len(p.change.Actions) > 0 || p.targetDirty {
		p.change.Target = st.target
		if err := m.store.ApplyTargetChange(ctx, tenantID, &p.change); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) dispatch(tenantID string, st *targetState, notices []notice) {
	for _, n := range notices {
		a := n.action.Clone()
		updateStatus := st.target.UpdateStatus

		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
			defer cancel()

			var err error
			var eventType string
			switch n.kind {
			case noticeAssigned:
				eventType = streaming.TopicTargetAssigned
				err = m.notifyAssigned(ctx, tenantID, a)
			case noticeCancel:
				eventType = streaming.TopicCancelAction
				if m.notifier != nil {
					err = m.notifier.NotifyCancel(ctx, streaming.CancelTargetAssignment{
						TenantID:          tenantID,
						ControllerID:      a.ControllerID,
						ActionID:          a.ID,
						DistributionSetID: a.DistributionSetID,
					})
				}
			case noticeUpdated:
				eventType = streaming.TopicActionUpdated
				if m.events != nil {
					err = m.events.Publish(ctx, streaming.TopicActionUpdated, streaming.ActionUpdated{
						TenantID:     tenantID,
						ControllerID: a.ControllerID,
						ActionID:     a.ID,
						Status:       string(a.Status),
						Active:       a.Active,
						UpdateStatus: string(updateStatus),
					})
				}
			}
			if err != nil {
				reason := "publish_error"
				if ctx.Err() == context.DeadlineExceeded {
					reason = "timeout"
				}
				observability.EventPublishFailures.WithLabelValues(eventType, reason).Inc()
				m.logger.Warn("event publish failed",
					"event_type", eventType,
					"tenant", tenantID,
					"controller_id", a.ControllerID,
					"action_id", a.ID,
					"error", err,
				)
			}
		}()
	}
}

func (m *Manager) notifyAssigned(ctx context.Context, tenantID string, a *store.Action) error {
	if m.notifier == nil {
		return nil
	}
	modules, err := m.modules.Modules(ctx, tenantID, a.DistributionSetID)
	if err != nil {
		return fmt.Errorf("load modules of distribution set %d: %w", a.DistributionSetID, err)
	}
	digests := make([]streaming.ModuleDigest, 0, len(modules))
	for _, mod := range modules {
		digests = append(digests, streaming.ModuleDigest{ID: mod.ID, Type: mod.Type, Name: mod.Name, Version: mod.Version})
	}
	return m.notifier.NotifyAssignment(ctx, streaming.TargetAssigned{
		TenantID:          tenantID,
		ControllerID:      a.ControllerID,
		ActionID:          a.ID,
		DistributionSetID: a.DistributionSetID,
		ActionType:        string(a.Type),
		ForcedTime:        a.ForcedTime,
		Modules:           digests,
	})
}

// RefreshStatus rewrites the cached update status of a target if it no longer
// matches DeriveUpdateStatus. The lock is only taken when a drift is seen.
func (m *Manager) RefreshStatus(ctx context.Context, tenantID, controllerID string) (store.UpdateStatus, error) {
	st, err := m.loadTarget(ctx, tenantID, controllerID)
	if err != nil {
		return "", err
	}
	if derived := DeriveUpdateStatus(st.target, st.actions); derived == st.target.UpdateStatus {
		return derived, nil
	}
	st, err = m.mutateTarget(ctx, tenantID, controllerID, "refresh_status", func(context.Context, *targetState, *plan) error {
		return nil
	})
	if err != nil {
		return "", err
	}
	return st.target.UpdateStatus, nil
}
