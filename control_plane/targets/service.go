// Package targets manages the devices of a tenant: creation by management
// or by first device contact, attributes and tags.
package targets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
)

var ErrInvalidRequest = errors.New("invalid request")

// StatusRefresher re-derives a target's cached update status after a
// device contact changed its last-seen time.
type StatusRefresher interface {
	RefreshStatus(ctx context.Context, tenantID, controllerID string) (store.UpdateStatus, error)
}

// CreateTarget describes a target created by management.
type CreateTarget struct {
	ControllerID string            `json:"controller_id"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Address      string            `json:"address,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// ToggleResult reports how many targets gained or lost the tag.
type ToggleResult struct {
	Assigned   int `json:"assigned"`
	Unassigned int `json:"unassigned"`
}

type Service struct {
	store     store.Store
	refresher StatusRefresher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(s store.Store, refresher StatusRefresher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     s,
		refresher: refresher,
		logger:    logger.With("component", "targets"),
		now:       time.Now,
	}
}

func validControllerID(id string) bool {
	return id != "" && strings.TrimSpace(id) == id && !strings.ContainsAny(id, "/:")
}

func (s *Service) Create(ctx context.Context, tenantID string, req CreateTarget) (*store.Target, error) {
	if !validControllerID(req.ControllerID) {
		return nil, fmt.Errorf("controller id %q: %w", req.ControllerID, ErrInvalidRequest)
	}
	name := req.Name
	if name == "" {
		name = req.ControllerID
	}
	t := &store.Target{
		ControllerID: req.ControllerID,
		Name:         name,
		Description:  req.Description,
		Address:      req.Address,
		UpdateStatus: store.UpdateStatusUnknown,
		Attributes:   req.Attributes,
	}
	if err := s.store.CreateTarget(ctx, tenantID, t); err != nil {
		return nil, err
	}
	s.logger.Info("target created", "tenant", tenantID, "controller_id", t.ControllerID)
	return t, nil
}

// CreateMany creates every target or stops at the first failure.
func (s *Service) CreateMany(ctx context.Context, tenantID string, reqs []CreateTarget) ([]*store.Target, error) {
	created := make([]*store.Target, 0, len(reqs))
	for _, req := range reqs {
		t, err := s.Create(ctx, tenantID, req)
		if err != nil {
			return created, err
		}
		created = append(created, t)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, tenantID, controllerID string) (*store.Target, error) {
	return s.store.GetTarget(ctx, tenantID, controllerID)
}

func (s *Service) List(ctx context.Context, tenantID string, offset, limit int) ([]*store.Target, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListTargets(ctx, tenantID, max(offset, 0), limit)
}

// ListUntagged pages through the targets that carry no tag at all.
func (s *Service) ListUntagged(ctx context.Context, tenantID string, offset, limit int) ([]*store.Target, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListTargetsWithoutTags(ctx, tenantID, max(offset, 0), limit)
}

// Delete removes targets with their whole action history.
func (s *Service) Delete(ctx context.Context, tenantID string, controllerIDs ...string) (int, error) {
	n, err := s.store.DeleteTargets(ctx, tenantID, controllerIDs)
	if err != nil {
		return 0, err
	}
	s.logger.Info("targets deleted", "tenant", tenantID, "requested", len(controllerIDs), "deleted", n)
	return n, nil
}

// RegisterOrTouch handles a device contact. An unknown controller ID is
// registered; a known one gets its last-seen time and address refreshed.
func (s *Service) RegisterOrTouch(ctx context.Context, tenantID, controllerID, address string) (*store.Target, error) {
	if !validControllerID(controllerID) {
		return nil, fmt.Errorf("controller id %q: %w", controllerID, ErrInvalidRequest)
	}
	now := s.now()
	err := s.store.TouchTarget(ctx, tenantID, controllerID, address, now)
	if errors.Is(err, store.ErrNotFound) {
		t := &store.Target{
			ControllerID: controllerID,
			Name:         controllerID,
			Address:      address,
			UpdateStatus: store.UpdateStatusRegistered,
			LastSeenAt:   &now,
		}
		err = s.store.CreateTarget(ctx, tenantID, t)
		switch {
		case err == nil:
			observability.TargetsRegistered.Inc()
			s.logger.Info("target registered", "tenant", tenantID, "controller_id", controllerID, "address", address)
			return t, nil
		case errors.Is(err, store.ErrAlreadyExists):
			// registered by a concurrent poll
			err = s.store.TouchTarget(ctx, tenantID, controllerID, address, now)
		}
	}
	if err != nil {
		return nil, err
	}

	if s.refresher != nil {
		if _, err := s.refresher.RefreshStatus(ctx, tenantID, controllerID); err != nil {
			return nil, err
		}
	}
	return s.store.GetTarget(ctx, tenantID, controllerID)
}

// UpdateAttributes merges attrs into the controller attributes. An empty
// value removes the key.
func (s *Service) UpdateAttributes(ctx context.Context, tenantID, controllerID string, attrs map[string]string) (*store.Target, error) {
	return s.updateTarget(ctx, tenantID, controllerID, func(t *store.Target) bool {
		if t.Attributes == nil {
			t.Attributes = make(map[string]string, len(attrs))
		}
		before := maps.Clone(t.Attributes)
		for k, v := range attrs {
			if v == "" {
				delete(t.Attributes, k)
				continue
			}
			t.Attributes[k] = v
		}
		return !maps.Equal(before, t.Attributes)
	})
}

// updateTarget applies change to a fresh copy until the revision matches.
// change reports whether anything needs writing.
func (s *Service) updateTarget(ctx context.Context, tenantID, controllerID string, change func(*store.Target) bool) (*store.Target, error) {
	var result *store.Target
	op := func() error {
		t, err := s.store.GetTarget(ctx, tenantID, controllerID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !change(t) {
			result = t
			return nil
		}
		err = s.store.UpdateTarget(ctx, tenantID, t, t.Revision)
		if errors.Is(err, store.ErrConflict) {
			observability.ConflictRetries.WithLabelValues("update_target").Inc()
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = t
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) CreateTag(ctx context.Context, tenantID string, tag *store.Tag) error {
	if strings.TrimSpace(tag.Name) == "" {
		return fmt.Errorf("tag name is required: %w", ErrInvalidRequest)
	}
	return s.store.CreateTag(ctx, tenantID, tag)
}

func (s *Service) ListTags(ctx context.Context, tenantID string) ([]*store.Tag, error) {
	return s.store.ListTags(ctx, tenantID)
}

// UpdateTag changes description and colour of an existing tag.
func (s *Service) UpdateTag(ctx context.Context, tenantID string, tag *store.Tag) error {
	if strings.TrimSpace(tag.Name) == "" {
		return fmt.Errorf("tag name is required: %w", ErrInvalidRequest)
	}
	if err := s.store.UpdateTag(ctx, tenantID, tag); err != nil {
		return err
	}
	s.logger.Info("tag updated", "tenant", tenantID, "tag", tag.Name)
	return nil
}

func (s *Service) DeleteTag(ctx context.Context, tenantID, name string) error {
	return s.store.DeleteTag(ctx, tenantID, name)
}

// ToggleTag removes the tag from all given targets when every one of them
// carries it, and otherwise adds it to those that lack it. Unknown IDs
// are ignored.
func (s *Service) ToggleTag(ctx context.Context, tenantID, tagName string, controllerIDs []string) (*ToggleResult, error) {
	if _, err := s.store.GetTag(ctx, tenantID, tagName); err != nil {
		return nil, err
	}
	targets, err := s.store.ListTargetsByControllerIDs(ctx, tenantID, controllerIDs)
	if err != nil {
		return nil, err
	}

	unassign := len(targets) > 0
	for _, t := range targets {
		if !t.HasTag(tagName) {
			unassign = false
			break
		}
	}

	res := &ToggleResult{}
	for _, t := range targets {
		changed := false
		_, err := s.updateTarget(ctx, tenantID, t.ControllerID, func(t *store.Target) bool {
			changed = false
			has := t.HasTag(tagName)
			switch {
			case unassign && has:
				t.Tags = slices.DeleteFunc(t.Tags, func(n string) bool { return n == tagName })
				changed = true
			case !unassign && !has:
				t.Tags = append(t.Tags, tagName)
				changed = true
			}
			return changed
		})
		if err != nil {
			return res, fmt.Errorf("toggle tag %q on %q: %w", tagName, t.ControllerID, err)
		}
		if !changed {
			continue
		}
		if unassign {
			res.Unassigned++
		} else {
			res.Assigned++
		}
	}
	s.logger.Info("tag toggled", "tenant", tenantID, "tag", tagName, "assigned", res.Assigned, "unassigned", res.Unassigned)
	return res, nil
}
