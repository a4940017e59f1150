package deployment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
)

const tenant = "acme"

// tickingClock advances one second on every read so that every write gets a
// distinct, increasing timestamp.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingNotifier struct {
	mu       sync.Mutex
	assigned []streaming.TargetAssigned
	canceled []streaming.CancelTargetAssignment
	err      error
}

func (n *recordingNotifier) NotifyAssignment(ctx context.Context, ev streaming.TargetAssigned) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigned = append(n.assigned, ev)
	return n.err
}

func (n *recordingNotifier) NotifyCancel(ctx context.Context, ev streaming.CancelTargetAssignment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canceled = append(n.canceled, ev)
	return n.err
}

func (n *recordingNotifier) assignments() []streaming.TargetAssigned {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]streaming.TargetAssigned(nil), n.assigned...)
}

func (n *recordingNotifier) cancels() []streaming.CancelTargetAssignment {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]streaming.CancelTargetAssignment(nil), n.canceled...)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *store.MemoryStore
	mgr      *Manager
	notifier *recordingNotifier
	setSeq   int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := newTickingClock()
	s := store.NewMemoryStore()
	s.SetClock(clock.Now)
	n := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := NewManager(s, cfg, logger, WithNotifier(n), WithClock(clock.Now))
	t.Cleanup(mgr.Drain)
	return &fixture{t: t, ctx: context.Background(), store: s, mgr: mgr, notifier: n}
}

func (f *fixture) createTargets(ids ...string) {
	f.t.Helper()
	for _, id := range ids {
		if err := f.store.CreateTarget(f.ctx, tenant, &store.Target{ControllerID: id, Name: id}); err != nil {
			f.t.Fatalf("create target %s: %v", id, err)
		}
	}
}

// createSet stores a complete distribution set with one firmware module.
func (f *fixture) createSet() int64 {
	f.t.Helper()
	f.setSeq++
	m := &store.SoftwareModule{Type: "os", Name: "firmware", Version: fmt.Sprintf("%d.0", f.setSeq)}
	if err := f.store.CreateSoftwareModule(f.ctx, tenant, m); err != nil {
		f.t.Fatalf("create module: %v", err)
	}
	ds := &store.DistributionSet{
		Name:     "fw",
		Version:  fmt.Sprintf("%d.0", f.setSeq),
		Type:     "os_only",
		Modules:  []store.SoftwareModule{*m},
		Complete: true,
	}
	if err := f.store.CreateDistributionSet(f.ctx, tenant, ds); err != nil {
		f.t.Fatalf("create distribution set: %v", err)
	}
	return ds.ID
}

func (f *fixture) assign(dsID int64, ids ...string) *AssignmentResult {
	f.t.Helper()
	res, err := f.mgr.Assign(f.ctx, tenant, AssignmentRequest{DistributionSetID: dsID, ControllerIDs: ids})
	if err != nil {
		f.t.Fatalf("assign %d to %v: %v", dsID, ids, err)
	}
	return res
}

// assignOne returns the single action created for id.
func (f *fixture) assignOne(dsID int64, id string) *store.Action {
	f.t.Helper()
	res := f.assign(dsID, id)
	if len(res.Actions) != 1 {
		f.t.Fatalf("assign %d to %s created %d actions, want 1", dsID, id, len(res.Actions))
	}
	return res.Actions[0]
}

func (f *fixture) report(actionID int64, status store.ActionStatusCode) *store.Action {
	f.t.Helper()
	a, err := f.mgr.RecordStatus(f.ctx, tenant, StatusReport{ActionID: actionID, Status: status})
	if err != nil {
		f.t.Fatalf("report %s for action %d: %v", status, actionID, err)
	}
	return a
}

func (f *fixture) cancel(actionID int64) {
	f.t.Helper()
	if _, err := f.mgr.Cancel(f.ctx, tenant, actionID); err != nil {
		f.t.Fatalf("cancel action %d: %v", actionID, err)
	}
}

// install assigns dsID to id and confirms it as installed.
func (f *fixture) install(dsID int64, id string) {
	f.t.Helper()
	a := f.assignOne(dsID, id)
	f.report(a.ID, store.StatusFinished)
}

func (f *fixture) target(id string) *store.Target {
	f.t.Helper()
	t, err := f.store.GetTarget(f.ctx, tenant, id)
	if err != nil {
		f.t.Fatalf("get target %s: %v", id, err)
	}
	return t
}

func (f *fixture) action(id int64) *store.Action {
	f.t.Helper()
	a, err := f.store.GetAction(f.ctx, tenant, id)
	if err != nil {
		f.t.Fatalf("get action %d: %v", id, err)
	}
	return a
}

func (f *fixture) actions(controllerID string) []*store.Action {
	f.t.Helper()
	actions, err := f.store.ListActionsByTarget(f.ctx, tenant, controllerID)
	if err != nil {
		f.t.Fatalf("list actions of %s: %v", controllerID, err)
	}
	return actions
}

func (f *fixture) activeActions(controllerID string) []*store.Action {
	f.t.Helper()
	actions, err := f.store.ListActiveActionsByTarget(f.ctx, tenant, controllerID)
	if err != nil {
		f.t.Fatalf("list active actions of %s: %v", controllerID, err)
	}
	return actions
}

func (f *fixture) history(actionID int64) []store.ActionStatusCode {
	f.t.Helper()
	entries, err := f.store.ListActionStatuses(f.ctx, tenant, actionID)
	if err != nil {
		f.t.Fatalf("history of action %d: %v", actionID, err)
	}
	codes := make([]store.ActionStatusCode, 0, len(entries))
	for _, e := range entries {
		codes = append(codes, e.Status)
	}
	return codes
}

// checkTarget asserts the cached status matches the derivation and the expected value.
func (f *fixture) checkTarget(id string, want store.UpdateStatus) *store.Target {
	f.t.Helper()
	t := f.target(id)
	derived := DeriveUpdateStatus(t, f.actions(id))
	if t.UpdateStatus != derived {
		f.t.Errorf("target %s cached status %s diverged from derived %s", id, t.UpdateStatus, derived)
	}
	if t.UpdateStatus != want {
		f.t.Errorf("target %s status = %s, want %s", id, t.UpdateStatus, want)
	}
	return t
}

func ptrEq(p *int64, want int64) bool {
	return p != nil && *p == want
}
