package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceTargetLock  Resource = "target-locks"
	ResourceIdempotency Resource = "idempotency"
	ResourceEvents      Resource = "events"
)

// TenantKey constructs a fully qualified Redis key for a tenant resource.
// Format: fleetforge:tenants:{tenantID}:{resource}:{id}
func TenantKey(tenantID string, resource Resource, id string) string {
	return fmt.Sprintf("fleetforge:tenants:%s:%s:%s", tenantID, resource, id)
}

// TenantPrefix constructs a search pattern prefix for a tenant resource.
// Format: fleetforge:tenants:{tenantID}:{resource}:
func TenantPrefix(tenantID string, resource Resource) string {
	return fmt.Sprintf("fleetforge:tenants:%s:%s:", tenantID, resource)
}

// targetKey is the in-memory map key of a target.
func targetKey(tenantID, controllerID string) string {
	return tenantID + "/" + controllerID
}
