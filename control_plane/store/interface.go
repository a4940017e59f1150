package store

import (
	"context"
	"time"
)

// Store defines the methods required for a permanent storage backend.
// Every call is tenant scoped. Lookups of missing entities return ErrNotFound.
type Store interface {
	// Target Operations
	CreateTarget(ctx context.Context, tenantID string, target *Target) error
	GetTarget(ctx context.Context, tenantID string, controllerID string) (*Target, error)
	ListTargets(ctx context.Context, tenantID string, offset, limit int) ([]*Target, error)
	// ListTargetsByControllerIDs returns the known subset of ids; unknown ids are omitted.
	ListTargetsByControllerIDs(ctx context.Context, tenantID string, controllerIDs []string) ([]*Target, error)
	ListTargetsWithoutTags(ctx context.Context, tenantID string, offset, limit int) ([]*Target, error)
	// UpdateTarget writes descriptive fields, tags, attributes and last-seen.
	// Deployment pointers are only written through ApplyTargetChange.
	UpdateTarget(ctx context.Context, tenantID string, target *Target, expectedRevision int64) error
	TouchTarget(ctx context.Context, tenantID string, controllerID string, address string, seenAt time.Time) error
	DeleteTargets(ctx context.Context, tenantID string, controllerIDs []string) (int, error)
	CountTargetsByUpdateStatus(ctx context.Context, tenantID string) (map[UpdateStatus]int, error)
	// ListTenants returns every tenant owning at least one target, sorted.
	ListTenants(ctx context.Context) ([]string, error)

	// Tag Operations
	CreateTag(ctx context.Context, tenantID string, tag *Tag) error
	GetTag(ctx context.Context, tenantID string, name string) (*Tag, error)
	ListTags(ctx context.Context, tenantID string) ([]*Tag, error)
	// UpdateTag writes description and colour; the name is the key.
	UpdateTag(ctx context.Context, tenantID string, tag *Tag) error
	// DeleteTag removes the tag from every target and distribution set carrying it.
	DeleteTag(ctx context.Context, tenantID string, name string) error

	// Catalog Operations
	CreateSoftwareModule(ctx context.Context, tenantID string, module *SoftwareModule) error
	GetSoftwareModule(ctx context.Context, tenantID string, id int64) (*SoftwareModule, error)
	// ChangeSoftwareModuleMetadata applies op to the module's metadata keys
	// in one step. Create fails with ErrAlreadyExists when any key is
	// present; Update and Delete fail with ErrNotFound when any is missing.
	ChangeSoftwareModuleMetadata(ctx context.Context, tenantID string, id int64, op MetadataOp, entries map[string]string) (*SoftwareModule, error)
	CreateDistributionSetType(ctx context.Context, tenantID string, dsType *DistributionSetType) error
	GetDistributionSetType(ctx context.Context, tenantID string, key string) (*DistributionSetType, error)
	CreateDistributionSet(ctx context.Context, tenantID string, ds *DistributionSet) error
	GetDistributionSet(ctx context.Context, tenantID string, id int64) (*DistributionSet, error)
	ListDistributionSets(ctx context.Context, tenantID string, includeDeleted bool) ([]*DistributionSet, error)
	// UpdateDistributionSet replaces name, description, modules, tags,
	// metadata, completeness and flags. With requireUnused it fails with
	// ErrInUse once any action references the set.
	UpdateDistributionSet(ctx context.Context, tenantID string, ds *DistributionSet, expectedRevision int64, requireUnused bool) error
	// DistributionSetInUse reports whether any action or target pointer references the set.
	DistributionSetInUse(ctx context.Context, tenantID string, id int64) (bool, error)
	DeleteDistributionSet(ctx context.Context, tenantID string, id int64) error

	// Action Ledger Operations
	GetAction(ctx context.Context, tenantID string, actionID int64) (*Action, error)
	// ListActionsByTarget returns every action of the target ordered by ID ascending.
	ListActionsByTarget(ctx context.Context, tenantID string, controllerID string) ([]*Action, error)
	ListActiveActionsByTarget(ctx context.Context, tenantID string, controllerID string) ([]*Action, error)
	// ListActionStatuses returns the history ordered by occurrence time then ID.
	ListActionStatuses(ctx context.Context, tenantID string, actionID int64) ([]*ActionStatus, error)
	CountActionStatuses(ctx context.Context, tenantID string, actionIDs []int64) (map[int64]int, error)
	// AddActionStatus appends history to an action without touching the action itself.
	AddActionStatus(ctx context.Context, tenantID string, status *ActionStatus) error

	// ApplyTargetChange commits a target's pointer change together with its
	// new and updated actions and history entries, or nothing at all.
	ApplyTargetChange(ctx context.Context, tenantID string, change *TargetChange) error
}

// ActionWrite inserts (ID == 0) or updates an action and appends history to it.
// Updates are guarded by the action's Revision. A HistoryOnly write appends
// Statuses to an existing action and leaves the action row untouched.
type ActionWrite struct {
	Action      *Action
	Statuses    []*ActionStatus
	HistoryOnly bool
}

// DistributionSetGuard asserts that a distribution set still has the revision
// the change was computed against.
type DistributionSetGuard struct {
	ID       int64
	Revision int64
}

// TargetChange is the unit of atomicity for every deployment mutation.
// On success the store fills generated IDs and bumps revisions in place.
type TargetChange struct {
	// Target is written with its deployment pointers and status when non-nil,
	// guarded by its Revision.
	Target  *Target
	Actions []ActionWrite
	Guard   *DistributionSetGuard

	// CurrentAction, when set, is one of Actions; Target.ActiveActionID is
	// pointed at it once generated IDs are known.
	CurrentAction *Action
}

// Coordinator defines the interface for distributed coordination:
// per-target lock leases and leader election shared by every replica.
type Coordinator interface {
	// AcquireLock attempts to acquire a lock for the given key.
	// Returns true if successful, false if lock is held by another.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// RenewLock extends the TTL of a held lock.
	RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the lock if held by ownerID.
	ReleaseLock(ctx context.Context, key string, ownerID string) error

	// GetLockOwner returns the current owner of the lock, or empty if free.
	GetLockOwner(ctx context.Context, key string) (string, error)

	// IncrementEpoch returns a monotonically increasing fencing token for key.
	IncrementEpoch(ctx context.Context, key string) (int64, error)
}
