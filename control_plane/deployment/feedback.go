package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
)

// StatusReport is one progress message from a device about an action.
type StatusReport struct {
	ActionID   int64                  `json:"action_id"`
	Status     store.ActionStatusCode `json:"status"`
	Messages   []string               `json:"messages,omitempty"`
	OccurredAt time.Time              `json:"occurred_at,omitempty"`
}

const (
	outcomeApplied     = "applied"
	outcomeHistoryOnly = "history_only"
	outcomeRejected    = "rejected"
)

// RecordStatus applies a device report to its action and the target.
// Reports on terminated actions are kept as history and change nothing else.
func (m *Manager) RecordStatus(ctx context.Context, tenantID string, r StatusReport) (*store.Action, error) {
	if !r.Status.Valid() || r.Status == store.StatusCreated || r.Status == store.StatusCanceling {
		observability.StatusReports.WithLabelValues(string(r.Status), outcomeRejected).Inc()
		return nil, fmt.Errorf("status %q: %w", r.Status, ErrInvalidStatusTransition)
	}

	a, err := m.store.GetAction(ctx, tenantID, r.ActionID)
	if err != nil {
		return nil, err
	}
	controllerID := a.ControllerID

	var result *store.Action
	var outcome string
	var wasCanceling bool
	_, err = m.mutateTarget(ctx, tenantID, controllerID, "feedback", func(ctx context.Context, st *targetState, p *plan) error {
		now := m.now()
		if err := m.store.TouchTarget(ctx, tenantID, controllerID, "", now); err != nil {
			return err
		}
		st.target.LastSeenAt = &now

		action := st.find(r.ActionID)
		if action == nil {
			return fmt.Errorf("action %d: %w", r.ActionID, store.ErrNotFound)
		}
		result = action
		wasCanceling = action.IsCanceling()

		occurred := r.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		entry := statusEntry(r.Status, occurred, r.Messages...)

		var err error
		switch {
		case !action.Active:
			p.appendHistory(action, entry)
			outcome = outcomeHistoryOnly
			return nil
		case action.IsCanceling():
			outcome, err = m.applyCancelFeedback(ctx, st, p, action, entry, now)
		default:
			outcome, err = m.applyRunningFeedback(st, p, action, entry, now)
		}
		if err != nil {
			return err
		}
		if outcome == outcomeApplied {
			p.notify(noticeUpdated, action)
		}
		return nil
	})
	if err != nil {
		observability.StatusReports.WithLabelValues(string(r.Status), outcomeRejected).Inc()
		return nil, err
	}
	observability.StatusReports.WithLabelValues(string(r.Status), outcome).Inc()
	if wasCanceling && outcome == outcomeApplied {
		kind := "confirmed"
		if r.Status == store.StatusError {
			kind = "rejected"
		}
		observability.Cancellations.WithLabelValues(kind).Inc()
	}

	m.logger.Debug("status recorded",
		"tenant", tenantID,
		"controller_id", controllerID,
		"action_id", r.ActionID,
		"status", r.Status,
		"outcome", outcome,
	)
	return result.Clone(), nil
}

func (m *Manager) applyRunningFeedback(st *targetState, p *plan, a *store.Action, entry *store.ActionStatus, now time.Time) (string, error) {
	t := st.target
	switch {
	case entry.Status.Intermediate():
		a.Status = entry.Status
	case entry.Status == store.StatusFinished:
		a.Status = store.StatusFinished
		a.Active = false
		t.InstalledDistributionSetID = store.ID(a.DistributionSetID)
		t.AssignedDistributionSetID = store.ID(a.DistributionSetID)
		t.InstalledAt = &now
		if store.SameID(t.ActiveActionID, &a.ID) {
			t.ActiveActionID = nil
		}
	case entry.Status == store.StatusError:
		a.Status = store.StatusError
		a.Active = false
		if store.SameID(t.ActiveActionID, &a.ID) {
			t.ActiveActionID = nil
		}
	default:
		// CANCELED without a cancel request
		return outcomeRejected, fmt.Errorf("action %d reported %s: %w", a.ID, entry.Status, ErrInvalidStatusTransition)
	}
	a.LastModifiedAt = now
	p.writeAction(a, entry)
	return outcomeApplied, nil
}

// applyCancelFeedback handles reports while a rollback is pending.
func (m *Manager) applyCancelFeedback(ctx context.Context, st *targetState, p *plan, a *store.Action, entry *store.ActionStatus, now time.Time) (string, error) {
	switch entry.Status {
	case store.StatusCanceled, store.StatusFinished:
		// a confirmed rollback is final and never resumed
		a.Status = store.StatusCanceled
		a.Active = false
		a.Superseded = false
		a.LastModifiedAt = now
		p.writeAction(a, entry)
		if err := m.resumePrevious(ctx, st, p, a, now); err != nil {
			return "", err
		}
		return outcomeApplied, nil
	case store.StatusError:
		// the device could not roll back
		if a.Superseded {
			a.Status = store.StatusCanceled
			a.Active = false
		} else {
			a.Status = store.StatusRunning
		}
		a.LastModifiedAt = now
		p.writeAction(a, entry)
		return outcomeApplied, nil
	}
	p.appendHistory(a, entry)
	return outcomeHistoryOnly, nil
}
