package streaming

import "time"

const (
	TopicTargetAssigned        = "deployment.target_assigned"
	TopicCancelAction          = "deployment.cancel_action"
	TopicActionUpdated         = "deployment.action_updated"
	TopicDistributionSetTagged = "catalog.distribution_set_tagged"
)

// TargetAssigned tells a device it has a new current action.
type TargetAssigned struct {
	TenantID          string         `json:"tenant_id"`
	ControllerID      string         `json:"controller_id"`
	ActionID          int64          `json:"action_id"`
	DistributionSetID int64          `json:"distribution_set_id"`
	ActionType        string         `json:"action_type"`
	ForcedTime        *time.Time     `json:"forced_time,omitempty"`
	Modules           []ModuleDigest `json:"modules"`
}

// ModuleDigest identifies a software module inside an assignment event.
type ModuleDigest struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (e TargetAssigned) Tenant() string     { return e.TenantID }
func (e TargetAssigned) Controller() string { return e.ControllerID }

// CancelTargetAssignment asks a device to roll back an action.
type CancelTargetAssignment struct {
	TenantID          string `json:"tenant_id"`
	ControllerID      string `json:"controller_id"`
	ActionID          int64  `json:"action_id"`
	DistributionSetID int64  `json:"distribution_set_id"`
}

func (e CancelTargetAssignment) Tenant() string     { return e.TenantID }
func (e CancelTargetAssignment) Controller() string { return e.ControllerID }

// ActionUpdated reports an applied status change for dashboards.
type ActionUpdated struct {
	TenantID     string `json:"tenant_id"`
	ControllerID string `json:"controller_id"`
	ActionID     int64  `json:"action_id"`
	Status       string `json:"status"`
	Active       bool   `json:"active"`
	UpdateStatus string `json:"update_status"`
}

func (e ActionUpdated) Tenant() string     { return e.TenantID }
func (e ActionUpdated) Controller() string { return e.ControllerID }

// DistributionSetTagAssignmentResult reports a bulk tag change on distribution sets.
type DistributionSetTagAssignmentResult struct {
	TenantID        string  `json:"tenant_id"`
	Tag             string  `json:"tag"`
	AlreadyAssigned int     `json:"already_assigned"`
	Assigned        []int64 `json:"assigned"`
	Unassigned      []int64 `json:"unassigned"`
}

func (e DistributionSetTagAssignmentResult) Tenant() string     { return e.TenantID }
func (e DistributionSetTagAssignmentResult) Controller() string { return "" }
