package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
)

// Cancel asks the device to roll back an active action. The action stays
// active in CANCELING until the device confirms or it is force quit.
func (m *Manager) Cancel(ctx context.Context, tenantID string, actionID int64) (*store.Action, error) {
	var result *store.Action
	changed := false
	err := m.mutateAction(ctx, tenantID, actionID, "cancel", func(ctx context.Context, st *targetState, p *plan, a *store.Action) error {
		result, changed = a, false
		if !a.Active {
			return fmt.Errorf("action %d: %w", a.ID, ErrCancelNotAllowed)
		}
		if a.IsCanceling() {
			return nil
		}
		now := m.now()
		a.Status = store.StatusCanceling
		a.LastModifiedAt = now
		p.writeAction(a, statusEntry(store.StatusCanceling, now, "cancellation requested"))
		p.notify(noticeCancel, a)
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		observability.Cancellations.WithLabelValues("requested").Inc()
		m.logger.Info("action cancel requested", "tenant", tenantID, "controller_id", result.ControllerID, "action_id", actionID)
	}
	return result.Clone(), nil
}

// ForceQuit terminates a canceling action without waiting for the device.
func (m *Manager) ForceQuit(ctx context.Context, tenantID string, actionID int64) (*store.Action, error) {
	var result *store.Action
	err := m.mutateAction(ctx, tenantID, actionID, "force_quit", func(ctx context.Context, st *targetState, p *plan, a *store.Action) error {
		result = a
		if !a.IsCanceling() {
			return fmt.Errorf("action %d in status %s: %w", a.ID, a.Status, ErrForceQuitNotAllowed)
		}
		now := m.now()
		a.Status = store.StatusCanceled
		a.Active = false
		a.Superseded = false
		a.LastModifiedAt = now
		p.writeAction(a, statusEntry(store.StatusCanceled, now, "force quit"))
		p.notify(noticeUpdated, a)
		return m.resumePrevious(ctx, st, p, a, now)
	})
	if err != nil {
		return nil, err
	}
	observability.Cancellations.WithLabelValues("force_quit").Inc()
	m.logger.Warn("action force quit", "tenant", tenantID, "controller_id", result.ControllerID, "action_id", actionID)
	return result.Clone(), nil
}

// ForceTargetAction upgrades an action to FORCED. Already forced actions are left alone.
func (m *Manager) ForceTargetAction(ctx context.Context, tenantID string, actionID int64) (*store.Action, error) {
	var result *store.Action
	err := m.mutateAction(ctx, tenantID, actionID, "force", func(ctx context.Context, st *targetState, p *plan, a *store.Action) error {
		result = a
		if !a.Active {
			return fmt.Errorf("action %d: %w", a.ID, ErrActionNotActive)
		}
		if a.Type == store.ActionTypeForced {
			return nil
		}
		a.Type = store.ActionTypeForced
		a.ForcedTime = nil
		a.LastModifiedAt = m.now()
		p.writeAction(a)
		p.notify(noticeAssigned, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

// mutateAction resolves the action's target and runs mutate on the action
// as loaded under that target's lock.
func (m *Manager) mutateAction(ctx context.Context, tenantID string, actionID int64, op string, mutate func(ctx context.Context, st *targetState, p *plan, a *store.Action) error) error {
	a, err := m.store.GetAction(ctx, tenantID, actionID)
	if err != nil {
		return err
	}
	_, err = m.mutateTarget(ctx, tenantID, a.ControllerID, op, func(ctx context.Context, st *targetState, p *plan) error {
		action := st.find(actionID)
		if action == nil {
			return fmt.Errorf("action %d: %w", actionID, store.ErrNotFound)
		}
		return mutate(ctx, st, p, action)
	})
	return err
}

// resumePrevious runs after the target's current action was canceled. The
// newest superseded action whose set still exists takes over; without one
// the target falls back to what is installed.
func (m *Manager) resumePrevious(ctx context.Context, st *targetState, p *plan, canceled *store.Action, now time.Time) error {
	t := st.target
	if !store.SameID(t.ActiveActionID, &canceled.ID) {
		return nil
	}
	t.ActiveActionID = nil

	for i := len(st.actions) - 1; i >= 0; i-- {
		a := st.actions[i]
		if a.ID >= canceled.ID {
			continue
		}
		if !a.Superseded {
			break
		}
		if a.Active {
			// a rollback still awaiting confirmation is never resumed
			continue
		}
		ds, err := m.store.GetDistributionSet(ctx, t.TenantID, a.DistributionSetID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if ds.Deleted {
			continue
		}

		a.Active = true
		a.Superseded = false
		a.Status = store.StatusRunning
		a.LastModifiedAt = now
		p.writeAction(a, statusEntry(store.StatusRunning, now,
			fmt.Sprintf("reactivated after action %d was canceled", canceled.ID)))
		p.change.Guard = &store.DistributionSetGuard{ID: ds.ID, Revision: ds.Revision}
		t.ActiveActionID = store.ID(a.ID)
		t.AssignedDistributionSetID = store.ID(a.DistributionSetID)
		p.notify(noticeAssigned, a)
		observability.ActionsReactivated.Inc()
		return nil
	}

	t.AssignedDistributionSetID = t.InstalledDistributionSetID
	return nil
}
