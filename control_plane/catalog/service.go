// Package catalog manages software modules, distribution set types and the
// distribution sets that are assigned to targets.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
)

var (
	// ErrDistributionSetLocked is returned when the modules of a set that
	// was already assigned are changed.
	ErrDistributionSetLocked = fmt.Errorf("distribution set is locked after first use: %w", store.ErrInvalidState)

	// ErrUnsupportedModuleType is returned when a module does not fit the set's type.
	ErrUnsupportedModuleType = fmt.Errorf("module type not allowed by distribution set type: %w", store.ErrInvalidState)

	ErrInvalidRequest = errors.New("invalid request")
)

// DistributionSetRequest describes a new distribution set.
type DistributionSetRequest struct {
	Name                  string  `json:"name"`
	Version               string  `json:"version"`
	Description           string  `json:"description,omitempty"`
	Type                  string  `json:"type"`
	ModuleIDs             []int64 `json:"module_ids,omitempty"`
	RequiredMigrationStep bool    `json:"required_migration_step,omitempty"`
}

// Service is the catalog API. It also answers completeness and module
// lookups for the deployment engine.
type Service struct {
	store  store.Store
	events streaming.Publisher
	logger *slog.Logger
}

type Option func(*Service)

// WithPublisher emits tag assignment results.
func WithPublisher(p streaming.Publisher) Option { return func(s *Service) { s.events = p } }

func NewService(s store.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{store: s, logger: logger.With("component", "catalog")}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) CreateModule(ctx context.Context, tenantID string, m *store.SoftwareModule) error {
	if strings.TrimSpace(m.Type) == "" || strings.TrimSpace(m.Name) == "" || strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("module type, name and version are required: %w", ErrInvalidRequest)
	}
	return s.store.CreateSoftwareModule(ctx, tenantID, m)
}

func (s *Service) GetModule(ctx context.Context, tenantID string, id int64) (*store.SoftwareModule, error) {
	return s.store.GetSoftwareModule(ctx, tenantID, id)
}

func (s *Service) CreateType(ctx context.Context, tenantID string, t *store.DistributionSetType) error {
	if strings.TrimSpace(t.Key) == "" {
		return fmt.Errorf("type key is required: %w", ErrInvalidRequest)
	}
	for _, m := range t.Mandatory {
		if slices.Contains(t.Optional, m) {
			return fmt.Errorf("module type %q is both mandatory and optional: %w", m, ErrInvalidRequest)
		}
	}
	return s.store.CreateDistributionSetType(ctx, tenantID, t)
}

func (s *Service) GetType(ctx context.Context, tenantID, key string) (*store.DistributionSetType, error) {
	return s.store.GetDistributionSetType(ctx, tenantID, key)
}

// CreateDistributionSet stores a set with its initial modules. Completeness
// is computed from the type's mandatory slots.
func (s *Service) CreateDistributionSet(ctx context.Context, tenantID string, req DistributionSetRequest) (*store.DistributionSet, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Version) == "" {
		return nil, fmt.Errorf("name and version are required: %w", ErrInvalidRequest)
	}
	dsType, err := s.store.GetDistributionSetType(ctx, tenantID, req.Type)
	if err != nil {
		return nil, err
	}
	modules, err := s.loadModules(ctx, tenantID, dsType, nil, req.ModuleIDs)
	if err != nil {
		return nil, err
	}

	ds := &store.DistributionSet{
		Name:                  req.Name,
		Version:               req.Version,
		Description:           req.Description,
		Type:                  dsType.Key,
		Modules:               modules,
		Complete:              dsType.Complete(modules),
		RequiredMigrationStep: req.RequiredMigrationStep,
	}
	if err := s.store.CreateDistributionSet(ctx, tenantID, ds); err != nil {
		return nil, err
	}
	s.logger.Info("distribution set created",
		"tenant", tenantID,
		"ds_id", ds.ID,
		"name", ds.Name,
		"version", ds.Version,
		"complete", ds.Complete,
	)
	return ds, nil
}

func (s *Service) Get(ctx context.Context, tenantID string, id int64) (*store.DistributionSet, error) {
	return s.store.GetDistributionSet(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID string, includeDeleted bool) ([]*store.DistributionSet, error) {
	return s.store.ListDistributionSets(ctx, tenantID, includeDeleted)
}

// DistributionSetUpdate changes the descriptive fields of a set. Nil fields
// are left alone.
type DistributionSetUpdate struct {
	Name                  *string `json:"name,omitempty"`
	Description           *string `json:"description,omitempty"`
	RequiredMigrationStep *bool   `json:"required_migration_step,omitempty"`
}

// UpdateDistributionSet renames or re-describes a set at any time. The
// migration flag is frozen once the set was assigned.
func (s *Service) UpdateDistributionSet(ctx context.Context, tenantID string, dsID int64, req DistributionSetUpdate) (*store.DistributionSet, error) {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, fmt.Errorf("name must not be empty: %w", ErrInvalidRequest)
	}
	ds, err := s.updateSet(ctx, tenantID, dsID, "update_distribution_set", func(ds *store.DistributionSet) (setWrite, error) {
		mode := skipWrite
		if req.Name != nil && *req.Name != ds.Name {
			ds.Name = *req.Name
			mode = writeAlways
		}
		if req.Description != nil && *req.Description != ds.Description {
			ds.Description = *req.Description
			mode = writeAlways
		}
		if req.RequiredMigrationStep != nil && *req.RequiredMigrationStep != ds.RequiredMigrationStep {
			ds.RequiredMigrationStep = *req.RequiredMigrationStep
			mode = writeUnused
		}
		return mode, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("distribution set updated", "tenant", tenantID, "ds_id", dsID, "name", ds.Name)
	return ds, nil
}

// AssignModules adds modules to a set that was never assigned.
func (s *Service) AssignModules(ctx context.Context, tenantID string, dsID int64, moduleIDs []int64) (*store.DistributionSet, error) {
	return s.updateModules(ctx, tenantID, dsID, func(dsType *store.DistributionSetType, ds *store.DistributionSet) ([]store.SoftwareModule, error) {
		return s.loadModules(ctx, tenantID, dsType, ds.Modules, moduleIDs)
	})
}

// UnassignModule removes a module from a set that was never assigned.
func (s *Service) UnassignModule(ctx context.Context, tenantID string, dsID, moduleID int64) (*store.DistributionSet, error) {
	return s.updateModules(ctx, tenantID, dsID, func(_ *store.DistributionSetType, ds *store.DistributionSet) ([]store.SoftwareModule, error) {
		idx := slices.IndexFunc(ds.Modules, func(m store.SoftwareModule) bool { return m.ID == moduleID })
		if idx < 0 {
			return nil, fmt.Errorf("module %d in distribution set %d: %w", moduleID, dsID, store.ErrNotFound)
		}
		return slices.Delete(slices.Clone(ds.Modules), idx, idx+1), nil
	})
}

// updateModules rewrites a set's modules. The store refuses the write once
// any action references the set.
func (s *Service) updateModules(ctx context.Context, tenantID string, dsID int64, compose func(*store.DistributionSetType, *store.DistributionSet) ([]store.SoftwareModule, error)) (*store.DistributionSet, error) {
	ds, err := s.updateSet(ctx, tenantID, dsID, "update_modules", func(ds *store.DistributionSet) (setWrite, error) {
		dsType, err := s.store.GetDistributionSetType(ctx, tenantID, ds.Type)
		if err != nil {
			return skipWrite, err
		}
		modules, err := compose(dsType, ds)
		if err != nil {
			return skipWrite, err
		}
		ds.Modules = modules
		ds.Complete = dsType.Complete(modules)
		return writeUnused, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("distribution set modules changed", "tenant", tenantID, "ds_id", dsID, "modules", len(ds.Modules), "complete", ds.Complete)
	return ds, nil
}

type setWrite int

const (
	skipWrite setWrite = iota
	writeAlways
	// writeUnused fails with ErrDistributionSetLocked once the set was assigned
	writeUnused
)

// updateSet applies change to a fresh copy of a live set until the revision
// matches.
func (s *Service) updateSet(ctx context.Context, tenantID string, dsID int64, op string, change func(*store.DistributionSet) (setWrite, error)) (*store.DistributionSet, error) {
	var result *store.DistributionSet
	attempt := func() error {
		ds, err := s.store.GetDistributionSet(ctx, tenantID, dsID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ds.Deleted {
			return backoff.Permanent(fmt.Errorf("distribution set %d is deleted: %w", dsID, store.ErrInvalidState))
		}
		mode, err := change(ds)
		if err != nil {
			return backoff.Permanent(err)
		}
		if mode == skipWrite {
			result = ds
			return nil
		}

		err = s.store.UpdateDistributionSet(ctx, tenantID, ds, ds.Revision, mode == writeUnused)
		switch {
		case errors.Is(err, store.ErrInUse):
			return backoff.Permanent(fmt.Errorf("distribution set %d: %w", dsID, ErrDistributionSetLocked))
		case errors.Is(err, store.ErrConflict):
			observability.ConflictRetries.WithLabelValues(op).Inc()
			return err
		case err != nil:
			return backoff.Permanent(err)
		}
		result = ds
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// loadModules appends the modules behind ids to current, checking each
// against the type. Modules already present are kept once.
func (s *Service) loadModules(ctx context.Context, tenantID string, dsType *store.DistributionSetType, current []store.SoftwareModule, ids []int64) ([]store.SoftwareModule, error) {
	modules := slices.Clone(current)
	for _, id := range ids {
		if slices.ContainsFunc(modules, func(m store.SoftwareModule) bool { return m.ID == id }) {
			continue
		}
		m, err := s.store.GetSoftwareModule(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if !dsType.Supports(m.Type) {
			return nil, fmt.Errorf("module %d of type %q in set type %q: %w", m.ID, m.Type, dsType.Key, ErrUnsupportedModuleType)
		}
		modules = append(modules, *m)
	}
	return modules, nil
}

// Delete removes a set. A set still referenced by an action or a target is
// only flagged deleted and stays readable. soft reports which one happened.
func (s *Service) Delete(ctx context.Context, tenantID string, dsID int64) (soft bool, err error) {
	inUse, err := s.store.DistributionSetInUse(ctx, tenantID, dsID)
	if err != nil {
		return false, err
	}
	if !inUse {
		err = s.store.DeleteDistributionSet(ctx, tenantID, dsID)
		if err == nil {
			s.logger.Info("distribution set deleted", "tenant", tenantID, "ds_id", dsID)
			return false, nil
		}
		if !errors.Is(err, store.ErrInUse) {
			return false, err
		}
		// assigned meanwhile
	}

	op := func() error {
		ds, err := s.store.GetDistributionSet(ctx, tenantID, dsID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ds.Deleted {
			return nil
		}
		ds.Deleted = true
		err = s.store.UpdateDistributionSet(ctx, tenantID, ds, ds.Revision, false)
		if errors.Is(err, store.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx)); err != nil {
		return false, err
	}
	s.logger.Info("distribution set soft deleted", "tenant", tenantID, "ds_id", dsID)
	return true, nil
}

// IsComplete reports whether every mandatory module slot of the set is filled.
func (s *Service) IsComplete(ctx context.Context, tenantID string, dsID int64) (bool, error) {
	ds, err := s.store.GetDistributionSet(ctx, tenantID, dsID)
	if err != nil {
		return false, err
	}
	dsType, err := s.store.GetDistributionSetType(ctx, tenantID, ds.Type)
	if err != nil {
		return false, err
	}
	return dsType.Complete(ds.Modules), nil
}

func (s *Service) Modules(ctx context.Context, tenantID string, dsID int64) ([]store.SoftwareModule, error) {
	ds, err := s.store.GetDistributionSet(ctx, tenantID, dsID)
	if err != nil {
		return nil, err
	}
	return ds.Modules, nil
}
