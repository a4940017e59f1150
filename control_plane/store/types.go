package store

import (
	"maps"
	"slices"
	"time"
)

// UpdateStatus is the aggregate update state of a target.
type UpdateStatus string

const (
	UpdateStatusUnknown    UpdateStatus = "UNKNOWN"
	UpdateStatusRegistered UpdateStatus = "REGISTERED"
	UpdateStatusPending    UpdateStatus = "PENDING"
	UpdateStatusInSync     UpdateStatus = "IN_SYNC"
	UpdateStatusError      UpdateStatus = "ERROR"
)

// UpdateStatuses lists every UpdateStatus in display order.
var UpdateStatuses = []UpdateStatus{
	UpdateStatusUnknown,
	UpdateStatusRegistered,
	UpdateStatusPending,
	UpdateStatusInSync,
	UpdateStatusError,
}

// ActionType tells the device how strictly it has to apply an action.
type ActionType string

const (
	ActionTypeSoft       ActionType = "SOFT"
	ActionTypeForced     ActionType = "FORCED"
	ActionTypeTimeForced ActionType = "TIMEFORCED"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionTypeSoft, ActionTypeForced, ActionTypeTimeForced:
		return true
	}
	return false
}

// ActionStatusCode is the progress state of an action.
type ActionStatusCode string

const (
	StatusCreated    ActionStatusCode = "CREATED"
	StatusRunning    ActionStatusCode = "RUNNING"
	StatusPending    ActionStatusCode = "PENDING"
	StatusRetrieved  ActionStatusCode = "RETRIEVED"
	StatusWarning    ActionStatusCode = "WARNING"
	StatusDownloaded ActionStatusCode = "DOWNLOADED"
	StatusCanceling  ActionStatusCode = "CANCELING"
	StatusCanceled   ActionStatusCode = "CANCELED"
	StatusFinished   ActionStatusCode = "FINISHED"
	StatusError      ActionStatusCode = "ERROR"
)

// Valid reports whether s is a known status code.
func (s ActionStatusCode) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusPending, StatusRetrieved, StatusWarning,
		StatusDownloaded, StatusCanceling, StatusCanceled, StatusFinished, StatusError:
		return true
	}
	return false
}

// Intermediate reports whether s is a repeatable in-progress report.
func (s ActionStatusCode) Intermediate() bool {
	switch s {
	case StatusRunning, StatusPending, StatusRetrieved, StatusWarning, StatusDownloaded:
		return true
	}
	return false
}

// Target represents a managed device identified by its controller ID.
type Target struct {
	ControllerID               string            `json:"controller_id" db:"controller_id"`
	TenantID                   string            `json:"tenant_id" db:"tenant_id"`
	Name                       string            `json:"name" db:"name"`
	Description                string            `json:"description" db:"description"`
	Address                    string            `json:"address,omitempty" db:"address"`
	UpdateStatus               UpdateStatus      `json:"update_status" db:"update_status"`
	AssignedDistributionSetID  *int64            `json:"assigned_distribution_set_id,omitempty" db:"assigned_ds_id"`
	InstalledDistributionSetID *int64            `json:"installed_distribution_set_id,omitempty" db:"installed_ds_id"`
	InstalledAt                *time.Time        `json:"installed_at,omitempty" db:"installed_at"`
	ActiveActionID             *int64            `json:"active_action_id,omitempty" db:"active_action_id"`
	LastSeenAt                 *time.Time        `json:"last_seen_at,omitempty" db:"last_seen_at"`
	Tags                       []string          `json:"tags" db:"-"`
	Attributes                 map[string]string `json:"attributes,omitempty" db:"attributes"` // JSONB in Postgres
	CreatedAt                  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt                  time.Time         `json:"updated_at" db:"updated_at"`
	Revision                   int64             `json:"revision" db:"revision"`
}

// Clone returns a deep copy so callers can mutate it without touching store state.
func (t *Target) Clone() *Target {
	if t == nil {
		return nil
	}
	c := *t
	c.AssignedDistributionSetID = cloneID(t.AssignedDistributionSetID)
	c.InstalledDistributionSetID = cloneID(t.InstalledDistributionSetID)
	c.ActiveActionID = cloneID(t.ActiveActionID)
	c.InstalledAt = cloneTime(t.InstalledAt)
	c.LastSeenAt = cloneTime(t.LastSeenAt)
	c.Tags = slices.Clone(t.Tags)
	if t.Attributes != nil {
		c.Attributes = make(map[string]string, len(t.Attributes))
		for k, v := range t.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// HasTag reports whether the target carries the tag.
func (t *Target) HasTag(name string) bool {
	return slices.Contains(t.Tags, name)
}

// Tag is a label that can be put on targets.
type Tag struct {
	Name        string    `json:"name" db:"name"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Description string    `json:"description" db:"description"`
	Colour      string    `json:"colour" db:"colour"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SoftwareModule is a single deployable unit (firmware, app, runtime).
type SoftwareModule struct {
	ID        int64             `json:"id" db:"id"`
	TenantID  string            `json:"tenant_id" db:"tenant_id"`
	Type      string            `json:"type" db:"type_key"`
	Name      string            `json:"name" db:"name"`
	Version   string            `json:"version" db:"version"`
	Vendor    string            `json:"vendor,omitempty" db:"vendor"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"` // JSONB in Postgres
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy.
func (m *SoftwareModule) Clone() *SoftwareModule {
	if m == nil {
		return nil
	}
	c := *m
	c.Metadata = maps.Clone(m.Metadata)
	return &c
}

// MetadataOp selects how ChangeSoftwareModuleMetadata treats existing keys.
type MetadataOp int

const (
	MetadataCreate MetadataOp = iota
	MetadataUpdate
	MetadataDelete
)

// DistributionSetType defines which module types a distribution set must and may carry.
type DistributionSetType struct {
	Key         string    `json:"key" db:"key"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Name        string    `json:"name" db:"name"`
	Mandatory   []string  `json:"mandatory_module_types" db:"mandatory"`
	Optional    []string  `json:"optional_module_types" db:"optional"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	Description string    `json:"description,omitempty" db:"description"`
}

// Supports reports whether a module of moduleType may be part of a set of this type.
func (t *DistributionSetType) Supports(moduleType string) bool {
	return slices.Contains(t.Mandatory, moduleType) || slices.Contains(t.Optional, moduleType)
}

// Complete reports whether modules fill every mandatory slot.
func (t *DistributionSetType) Complete(modules []SoftwareModule) bool {
	for _, mandatory := range t.Mandatory {
		if !slices.ContainsFunc(modules, func(m SoftwareModule) bool { return m.Type == mandatory }) {
			return false
		}
	}
	return true
}

// DistributionSet is a versioned bundle of software modules deployable to a target.
type DistributionSet struct {
	ID                    int64             `json:"id" db:"id"`
	TenantID              string            `json:"tenant_id" db:"tenant_id"`
	Name                  string            `json:"name" db:"name"`
	Version               string            `json:"version" db:"version"`
	Description           string            `json:"description,omitempty" db:"description"`
	Type                  string            `json:"type" db:"type_key"`
	Modules               []SoftwareModule  `json:"modules" db:"-"`
	Complete              bool              `json:"complete" db:"complete"`
	Deleted               bool              `json:"deleted" db:"deleted"`
	RequiredMigrationStep bool              `json:"required_migration_step" db:"required_migration_step"`
	Tags                  []string          `json:"tags" db:"-"`
	Metadata              map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt             time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at" db:"updated_at"`
	Revision              int64             `json:"revision" db:"revision"`
}

// Clone returns a deep copy.
func (d *DistributionSet) Clone() *DistributionSet {
	if d == nil {
		return nil
	}
	c := *d
	if d.Modules != nil {
		c.Modules = make([]SoftwareModule, len(d.Modules))
		for i := range d.Modules {
			c.Modules[i] = *d.Modules[i].Clone()
		}
	}
	c.Tags = slices.Clone(d.Tags)
	c.Metadata = maps.Clone(d.Metadata)
	return &c
}

// HasTag reports whether the set carries the tag.
func (d *DistributionSet) HasTag(name string) bool {
	return slices.Contains(d.Tags, name)
}

// Action is one attempt to move a target to a distribution set.
type Action struct {
	ID                int64            `json:"id" db:"id"`
	TenantID          string           `json:"tenant_id" db:"tenant_id"`
	ControllerID      string           `json:"controller_id" db:"controller_id"`
	DistributionSetID int64            `json:"distribution_set_id" db:"distribution_set_id"`
	Type              ActionType       `json:"action_type" db:"action_type"`
	ForcedTime        *time.Time       `json:"forced_time,omitempty" db:"forced_time"`
	Status            ActionStatusCode `json:"status" db:"status"`
	Active            bool             `json:"active" db:"active"`
	Superseded        bool             `json:"superseded" db:"superseded"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	LastModifiedAt    time.Time        `json:"last_modified_at" db:"last_modified_at"`
	Revision          int64            `json:"revision" db:"revision"`
}

// Clone returns a deep copy.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	c.ForcedTime = cloneTime(a.ForcedTime)
	return &c
}

// IsForced reports whether the device must apply the action without user consent at now.
func (a *Action) IsForced(now time.Time) bool {
	switch a.Type {
	case ActionTypeForced:
		return true
	case ActionTypeTimeForced:
		return a.ForcedTime != nil && !now.Before(*a.ForcedTime)
	}
	return false
}

// IsCanceling reports whether a rollback has been requested and not yet confirmed.
func (a *Action) IsCanceling() bool {
	return a.Active && a.Status == StatusCanceling
}

// ActionStatus is an immutable history entry of an action.
type ActionStatus struct {
	ID         int64            `json:"id" db:"id"`
	ActionID   int64            `json:"action_id" db:"action_id"`
	Status     ActionStatusCode `json:"status" db:"status"`
	OccurredAt time.Time        `json:"occurred_at" db:"occurred_at"`
	Messages   []string         `json:"messages,omitempty" db:"messages"`
}

// ActionWithStatusCount pairs an action with the number of its history entries.
type ActionWithStatusCount struct {
	Action      *Action `json:"action"`
	StatusCount int     `json:"status_count"`
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ID returns a pointer to id, for the nullable pointer fields.
func ID(id int64) *int64 {
	return &id
}

// SameID reports whether two nullable IDs are equal.
func SameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
