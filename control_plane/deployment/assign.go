package deployment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
	"golang.org/x/sync/errgroup"
)

// AssignmentRequest asks for a distribution set to be rolled out to targets.
type AssignmentRequest struct {
	DistributionSetID int64            `json:"distribution_set_id"`
	ControllerIDs     []string         `json:"controller_ids"`
	ActionType        store.ActionType `json:"action_type,omitempty"`
	ForcedTime        *time.Time       `json:"forced_time,omitempty"`
	// Strict rejects the whole request when any controller ID is unknown.
	Strict bool `json:"strict,omitempty"`
}

// AssignmentResult summarizes a bulk assignment.
type AssignmentResult struct {
	Total           int             `json:"total"`
	Assigned        int             `json:"assigned"`
	AlreadyAssigned int             `json:"already_assigned"`
	Unknown         []string        `json:"unknown,omitempty"`
	Actions         []*store.Action `json:"actions"`
}

func (r AssignmentRequest) validate() error {
	if r.DistributionSetID <= 0 {
		return fmt.Errorf("distribution set id is required: %w", ErrInvalidRequest)
	}
	if !r.ActionType.Valid() {
		return fmt.Errorf("unknown action type %q: %w", r.ActionType, ErrInvalidRequest)
	}
	if r.ActionType == store.ActionTypeTimeForced && r.ForcedTime == nil {
		return fmt.Errorf("TIMEFORCED requires a forced time: %w", ErrInvalidRequest)
	}
	return nil
}

// Assign creates one action per target that is not already running the set.
// A newer assignment supersedes the target's running action (last assigned wins).
func (m *Manager) Assign(ctx context.Context, tenantID string, req AssignmentRequest) (*AssignmentResult, error) {
	start := time.Now()
	defer func() {
		observability.AssignmentDuration.Observe(time.Since(start).Seconds())
	}()

	if req.ActionType == "" {
		req.ActionType = store.ActionTypeForced
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := m.assignableSet(ctx, tenantID, req.DistributionSetID); err != nil {
		return nil, err
	}

	ids := dedupeSorted(req.ControllerIDs)
	result := &AssignmentResult{Total: len(ids), Actions: []*store.Action{}}

	if req.Strict {
		known, err := m.store.ListTargetsByControllerIDs(ctx, tenantID, ids)
		if err != nil {
			return nil, err
		}
		if missing := missingIDs(ids, known); len(missing) > 0 {
			return nil, fmt.Errorf("targets %s: %w", strings.Join(missing, ", "), store.ErrNotFound)
		}
	}

	for chunk := range slices.Chunk(ids, m.cfg.ChunkSize) {
		if err := m.assignChunk(ctx, tenantID, req, chunk, result); err != nil {
			return result, err
		}
	}

	slices.SortFunc(result.Actions, func(a, b *store.Action) int {
		return strings.Compare(a.ControllerID, b.ControllerID)
	})
	slices.Sort(result.Unknown)
	observability.Assignments.WithLabelValues("assigned").Add(float64(result.Assigned))
	observability.Assignments.WithLabelValues("already_assigned").Add(float64(result.AlreadyAssigned))
	observability.Assignments.WithLabelValues("unknown").Add(float64(len(result.Unknown)))

	m.logger.Info("distribution set assigned",
		"tenant", tenantID,
		"ds_id", req.DistributionSetID,
		"total", result.Total,
		"assigned", result.Assigned,
		"already_assigned", result.AlreadyAssigned,
		"unknown", len(result.Unknown),
		"duration", time.Since(start),
	)
	return result, nil
}

// assignableSet loads the set and rejects deleted or incomplete ones.
func (m *Manager) assignableSet(ctx context.Context, tenantID string, dsID int64) (*store.DistributionSet, error) {
	ds, err := m.store.GetDistributionSet(ctx, tenantID, dsID)
	if err != nil {
		return nil, err
	}
	if ds.Deleted {
		return nil, fmt.Errorf("distribution set %d: %w", dsID, ErrDistributionSetDeleted)
	}
	complete, err := m.modules.IsComplete(ctx, tenantID, dsID)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, fmt.Errorf("distribution set %d: %w", dsID, ErrIncompleteDistributionSet)
	}
	return ds, nil
}

// assignChunk commits the targets of one chunk against a single snapshot of
// the set. Each target holds only its own lock.
func (m *Manager) assignChunk(ctx context.Context, tenantID string, req AssignmentRequest, ids []string, result *AssignmentResult) error {
	snapshot, err := m.assignableSet(ctx, tenantID, req.DistributionSetID)
	if err != nil {
		return err
	}
	targets, err := m.store.ListTargetsByControllerIDs(ctx, tenantID, ids)
	if err != nil {
		return err
	}
	result.Unknown = append(result.Unknown, missingIDs(ids, targets)...)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.AssignWorkers)
	for _, t := range targets {
		g.Go(func() error {
			action, err := m.assignTarget(gctx, tenantID, req, snapshot, t.ControllerID)
			if err != nil && m.targetGone(gctx, tenantID, t.ControllerID, err) {
				// deleted since the chunk lookup
				mu.Lock()
				result.Unknown = append(result.Unknown, t.ControllerID)
				mu.Unlock()
				return nil
			}
			if err != nil {
				observability.Assignments.WithLabelValues("failed").Inc()
				return fmt.Errorf("assign target %q: %w", t.ControllerID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if action == nil {
				result.AlreadyAssigned++
				return nil
			}
			result.Assigned++
			result.Actions = append(result.Actions, action)
			return nil
		})
	}
	return g.Wait()
}

// targetGone reports whether err comes from the target itself no longer
// existing, as opposed to a missing distribution set.
func (m *Manager) targetGone(ctx context.Context, tenantID, controllerID string, err error) bool {
	if !errors.Is(err, store.ErrNotFound) {
		return false
	}
	_, getErr := m.store.GetTarget(ctx, tenantID, controllerID)
	return errors.Is(getErr, store.ErrNotFound)
}

// assignTarget returns nil when the target already runs the set.
func (m *Manager) assignTarget(ctx context.Context, tenantID string, req AssignmentRequest, snapshot *store.DistributionSet, controllerID string) (*store.Action, error) {
	var created *store.Action
	attempt, superseded := 0, 0
	_, err := m.mutateTarget(ctx, tenantID, controllerID, "assign", func(ctx context.Context, st *targetState, p *plan) error {
		created = nil
		ds := snapshot
		if attempt > 0 {
			// the conflict may come from the set's revision guard
			fresh, err := m.assignableSet(ctx, tenantID, snapshot.ID)
			if err != nil {
				return err
			}
			ds = fresh
		}
		attempt++

		if cur := st.current(); cur != nil && cur.Active && !cur.IsCanceling() &&
			cur.DistributionSetID == ds.ID && store.SameID(st.target.AssignedDistributionSetID, &ds.ID) {
			return nil
		}

		now := m.now()
		superseded = 0
		for _, a := range st.actions {
			if !a.Active {
				continue
			}
			if a.IsCanceling() {
				// still waiting for the device to confirm; never resumed
				if !a.Superseded {
					a.Superseded = true
					p.writeAction(a)
				}
				continue
			}
			a.Active = false
			a.Status = store.StatusCanceled
			a.Superseded = true
			a.LastModifiedAt = now
			p.writeAction(a, statusEntry(store.StatusCanceled, now, "superseded by a new assignment"))
			superseded++
		}

		action := &store.Action{
			ControllerID:      controllerID,
			DistributionSetID: ds.ID,
			Type:              req.ActionType,
			ForcedTime:        req.ForcedTime,
			Status:            store.StatusRunning,
			Active:            true,
			CreatedAt:         now,
			LastModifiedAt:    now,
		}
		st.actions = append(st.actions, action)
		p.writeAction(action, statusEntry(store.StatusRunning, now, "assignment created"))
		p.change.CurrentAction = action
		p.change.Guard = &store.DistributionSetGuard{ID: ds.ID, Revision: ds.Revision}
		st.target.AssignedDistributionSetID = store.ID(ds.ID)
		p.notify(noticeAssigned, action)

		created = action
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, nil
	}
	observability.SupersededActions.Add(float64(superseded))
	return created.Clone(), nil
}

func dedupeSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func missingIDs(ids []string, known []*store.Target) []string {
	found := make(map[string]struct{}, len(known))
	for _, t := range known {
		found[t.ControllerID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
