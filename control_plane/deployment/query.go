package deployment

import (
	"context"
	"slices"

	"github.com/itskum47/FleetForge/control_plane/store"
)

// CurrentAction returns what the device has to work on: a pending rollback
// first (oldest one), else the current action, else nil.
func (m *Manager) CurrentAction(ctx context.Context, tenantID, controllerID string) (*store.Action, error) {
	t, err := m.store.GetTarget(ctx, tenantID, controllerID)
	if err != nil {
		return nil, err
	}
	active, err := m.store.ListActiveActionsByTarget(ctx, tenantID, controllerID)
	if err != nil {
		return nil, err
	}
	for _, a := range active {
		if a.IsCanceling() {
			return a, nil
		}
	}
	if t.ActiveActionID == nil {
		return nil, nil
	}
	for _, a := range active {
		if a.ID == *t.ActiveActionID {
			return a, nil
		}
	}
	return nil, nil
}

func (m *Manager) FindAction(ctx context.Context, tenantID string, actionID int64) (*store.Action, error) {
	return m.store.GetAction(ctx, tenantID, actionID)
}

// FindActionsByTarget lists every action of the target, oldest first.
func (m *Manager) FindActionsByTarget(ctx context.Context, tenantID, controllerID string) ([]*store.Action, error) {
	if _, err := m.store.GetTarget(ctx, tenantID, controllerID); err != nil {
		return nil, err
	}
	return m.store.ListActionsByTarget(ctx, tenantID, controllerID)
}

func (m *Manager) FindActiveActionsByTarget(ctx context.Context, tenantID, controllerID string) ([]*store.Action, error) {
	if _, err := m.store.GetTarget(ctx, tenantID, controllerID); err != nil {
		return nil, err
	}
	return m.store.ListActiveActionsByTarget(ctx, tenantID, controllerID)
}

// FindActionStatusHistory returns the history by occurrence time, then ID.
func (m *Manager) FindActionStatusHistory(ctx context.Context, tenantID string, actionID int64, descending bool) ([]*store.ActionStatus, error) {
	history, err := m.store.ListActionStatuses(ctx, tenantID, actionID)
	if err != nil {
		return nil, err
	}
	if descending {
		slices.Reverse(history)
	}
	return history, nil
}

func (m *Manager) FindActionsWithStatusCount(ctx context.Context, tenantID, controllerID string) ([]store.ActionWithStatusCount, error) {
	actions, err := m.FindActionsByTarget(ctx, tenantID, controllerID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.ID)
	}
	counts, err := m.store.CountActionStatuses(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}
	result := make([]store.ActionWithStatusCount, 0, len(actions))
	for _, a := range actions {
		result = append(result, store.ActionWithStatusCount{Action: a, StatusCount: counts[a.ID]})
	}
	return result, nil
}

func (m *Manager) CountTargetsByUpdateStatus(ctx context.Context, tenantID string) (map[store.UpdateStatus]int, error) {
	return m.store.CountTargetsByUpdateStatus(ctx, tenantID)
}
