package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/itskum47/FleetForge/control_plane/store"
)

const maxMetadataKeyLen = 128

func validMetadata(entries map[string]string) error {
	if len(entries) == 0 {
		return fmt.Errorf("no metadata given: %w", ErrInvalidRequest)
	}
	for key := range entries {
		if strings.TrimSpace(key) == "" || len(key) > maxMetadataKeyLen {
			return fmt.Errorf("metadata key %q: %w", key, ErrInvalidRequest)
		}
	}
	return nil
}

// CreateSetMetadata adds new keys to a set. Metadata stays editable after
// the set was assigned.
func (s *Service) CreateSetMetadata(ctx context.Context, tenantID string, dsID int64, entries map[string]string) (*store.DistributionSet, error) {
	return s.changeSetMetadata(ctx, tenantID, dsID, store.MetadataCreate, entries)
}

// UpdateSetMetadata overwrites the value of an existing key.
func (s *Service) UpdateSetMetadata(ctx context.Context, tenantID string, dsID int64, key, value string) (*store.DistributionSet, error) {
	return s.changeSetMetadata(ctx, tenantID, dsID, store.MetadataUpdate, map[string]string{key: value})
}

func (s *Service) DeleteSetMetadata(ctx context.Context, tenantID string, dsID int64, key string) (*store.DistributionSet, error) {
	return s.changeSetMetadata(ctx, tenantID, dsID, store.MetadataDelete, map[string]string{key: ""})
}

func (s *Service) changeSetMetadata(ctx context.Context, tenantID string, dsID int64, op store.MetadataOp, entries map[string]string) (*store.DistributionSet, error) {
	if err := validMetadata(entries); err != nil {
		return nil, err
	}
	return s.updateSet(ctx, tenantID, dsID, "set_metadata", func(ds *store.DistributionSet) (setWrite, error) {
		for key := range entries {
			_, present := ds.Metadata[key]
			switch {
			case op == store.MetadataCreate && present:
				return skipWrite, fmt.Errorf("metadata %q of distribution set %d: %w", key, dsID, store.ErrAlreadyExists)
			case op != store.MetadataCreate && !present:
				return skipWrite, fmt.Errorf("metadata %q of distribution set %d: %w", key, dsID, store.ErrNotFound)
			}
		}
		if ds.Metadata == nil {
			ds.Metadata = make(map[string]string, len(entries))
		}
		for key, value := range entries {
			if op == store.MetadataDelete {
				delete(ds.Metadata, key)
				continue
			}
			ds.Metadata[key] = value
		}
		return writeAlways, nil
	})
}

func (s *Service) CreateModuleMetadata(ctx context.Context, tenantID string, moduleID int64, entries map[string]string) (*store.SoftwareModule, error) {
	if err := validMetadata(entries); err != nil {
		return nil, err
	}
	return s.store.ChangeSoftwareModuleMetadata(ctx, tenantID, moduleID, store.MetadataCreate, entries)
}

func (s *Service) UpdateModuleMetadata(ctx context.Context, tenantID string, moduleID int64, key, value string) (*store.SoftwareModule, error) {
	entries := map[string]string{key: value}
	if err := validMetadata(entries); err != nil {
		return nil, err
	}
	return s.store.ChangeSoftwareModuleMetadata(ctx, tenantID, moduleID, store.MetadataUpdate, entries)
}

func (s *Service) DeleteModuleMetadata(ctx context.Context, tenantID string, moduleID int64, key string) (*store.SoftwareModule, error) {
	entries := map[string]string{key: ""}
	if err := validMetadata(entries); err != nil {
		return nil, err
	}
	return s.store.ChangeSoftwareModuleMetadata(ctx, tenantID, moduleID, store.MetadataDelete, entries)
}
