package deployment

import (
	"cmp"

	"github.com/itskum47/FleetForge/control_plane/store"
)

// DeriveUpdateStatus computes a target's aggregate update status from its
// pointers and its complete action list. The cached Target.UpdateStatus is
// always written with this value.
//
//   - no action ever: REGISTERED once the device was seen, else UNKNOWN
//   - any active action: PENDING
//   - newest terminated, non-superseded action ended in ERROR: ERROR
//   - assigned == installed: IN_SYNC
//   - otherwise UNKNOWN
func DeriveUpdateStatus(t *store.Target, actions []*store.Action) store.UpdateStatus {
	if len(actions) == 0 {
		if t.LastSeenAt != nil {
			return store.UpdateStatusRegistered
		}
		return store.UpdateStatusUnknown
	}

	var latest *store.Action
	for _, a := range actions {
		if a.Active {
			return store.UpdateStatusPending
		}
		if a.Superseded {
			continue
		}
		if latest == nil || newerTermination(a, latest) {
			latest = a
		}
	}
	if latest != nil && latest.Status == store.StatusError {
		return store.UpdateStatusError
	}
	if store.SameID(t.AssignedDistributionSetID, t.InstalledDistributionSetID) {
		return store.UpdateStatusInSync
	}
	return store.UpdateStatusUnknown
}

func newerTermination(a, b *store.Action) bool {
	if c := a.LastModifiedAt.Compare(b.LastModifiedAt); c != 0 {
		return c > 0
	}
	// unsaved actions have ID 0 and are the newest
	if a.ID == 0 || b.ID == 0 {
		return a.ID == 0 && b.ID != 0
	}
	return cmp.Compare(a.ID, b.ID) > 0
}
