package catalog

import (
	"context"
	"fmt"
	"slices"

	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
)

type tagMode int

const (
	tagAssign tagMode = iota
	tagUnassign
	tagToggle
)

// AssignTag puts the tag on every given set.
func (s *Service) AssignTag(ctx context.Context, tenantID, tagName string, dsIDs []int64) (*streaming.DistributionSetTagAssignmentResult, error) {
	return s.applyTag(ctx, tenantID, tagName, dsIDs, tagAssign)
}

// UnassignTag takes the tag off every given set.
func (s *Service) UnassignTag(ctx context.Context, tenantID, tagName string, dsIDs []int64) (*streaming.DistributionSetTagAssignmentResult, error) {
	return s.applyTag(ctx, tenantID, tagName, dsIDs, tagUnassign)
}

// ToggleTag removes the tag from all given sets when every one of them
// carries it, and otherwise adds it to those that lack it.
func (s *Service) ToggleTag(ctx context.Context, tenantID, tagName string, dsIDs []int64) (*streaming.DistributionSetTagAssignmentResult, error) {
	return s.applyTag(ctx, tenantID, tagName, dsIDs, tagToggle)
}

func (s *Service) applyTag(ctx context.Context, tenantID, tagName string, dsIDs []int64, mode tagMode) (*streaming.DistributionSetTagAssignmentResult, error) {
	if _, err := s.store.GetTag(ctx, tenantID, tagName); err != nil {
		return nil, err
	}
	ids := slices.Compact(slices.Sorted(slices.Values(dsIDs)))
	if len(ids) == 0 {
		return nil, fmt.Errorf("no distribution sets given: %w", ErrInvalidRequest)
	}

	unassign := mode == tagUnassign
	if mode == tagToggle {
		unassign = true
		for _, id := range ids {
			ds, err := s.store.GetDistributionSet(ctx, tenantID, id)
			if err != nil {
				return nil, err
			}
			if !ds.HasTag(tagName) {
				unassign = false
				break
			}
		}
	}

	res := &streaming.DistributionSetTagAssignmentResult{
		TenantID:   tenantID,
		Tag:        tagName,
		Assigned:   []int64{},
		Unassigned: []int64{},
	}
	for _, id := range ids {
		changed := false
		_, err := s.updateSet(ctx, tenantID, id, "tag_distribution_set", func(ds *store.DistributionSet) (setWrite, error) {
			changed = false
			has := ds.HasTag(tagName)
			switch {
			case unassign && has:
				ds.Tags = slices.DeleteFunc(ds.Tags, func(n string) bool { return n == tagName })
			case !unassign && !has:
				ds.Tags = append(ds.Tags, tagName)
			default:
				return skipWrite, nil
			}
			changed = true
			return writeAlways, nil
		})
		if err != nil {
			return res, fmt.Errorf("tag %q on distribution set %d: %w", tagName, id, err)
		}
		switch {
		case changed && unassign:
			res.Unassigned = append(res.Unassigned, id)
		case changed:
			res.Assigned = append(res.Assigned, id)
		case !unassign:
			res.AlreadyAssigned++
		}
	}

	s.logger.Info("distribution set tag changed",
		"tenant", tenantID,
		"tag", tagName,
		"assigned", len(res.Assigned),
		"unassigned", len(res.Unassigned),
		"already_assigned", res.AlreadyAssigned,
	)
	if s.events != nil {
		if err := s.events.Publish(ctx, streaming.TopicDistributionSetTagged, *res); err != nil {
			s.logger.Warn("event publish failed", "event_type", streaming.TopicDistributionSetTagged, "tenant", tenantID, "error", err)
		}
	}
	return res, nil
}

// ListByTag returns the live sets carrying the tag.
func (s *Service) ListByTag(ctx context.Context, tenantID, tagName string) ([]*store.DistributionSet, error) {
	if _, err := s.store.GetTag(ctx, tenantID, tagName); err != nil {
		return nil, err
	}
	sets, err := s.store.ListDistributionSets(ctx, tenantID, false)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(sets, func(ds *store.DistributionSet) bool { return !ds.HasTag(tagName) }), nil
}
