package deployment

import (
	"testing"
	"time"

	"github.com/itskum47/FleetForge/control_plane/store"
)

func TestDeriveUpdateStatus(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seen := base
	at := func(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

	tests := []struct {
		name    string
		target  store.Target
		actions []*store.Action
		want    store.UpdateStatus
	}{
		{
			name:   "never seen, no actions",
			target: store.Target{},
			want:   store.UpdateStatusUnknown,
		},
		{
			name:   "seen, no actions",
			target: store.Target{LastSeenAt: &seen},
			want:   store.UpdateStatusRegistered,
		},
		{
			name:   "active action",
			target: store.Target{AssignedDistributionSetID: store.ID(1)},
			actions: []*store.Action{
				{ID: 1, Status: store.StatusRunning, Active: true},
			},
			want: store.UpdateStatusPending,
		},
		{
			name:   "canceling action is still pending",
			target: store.Target{AssignedDistributionSetID: store.ID(1)},
			actions: []*store.Action{
				{ID: 1, Status: store.StatusCanceling, Active: true},
			},
			want: store.UpdateStatusPending,
		},
		{
			name:   "installed",
			target: store.Target{AssignedDistributionSetID: store.ID(1), InstalledDistributionSetID: store.ID(1)},
			actions: []*store.Action{
				{ID: 1, Status: store.StatusFinished, LastModifiedAt: at(1)},
			},
			want: store.UpdateStatusInSync,
		},
		{
			name:   "latest failed",
			target: store.Target{AssignedDistributionSetID: store.ID(2), InstalledDistributionSetID: store.ID(1)},
			actions: []*store.Action{
				{ID: 1, Status: store.StatusFinished, LastModifiedAt: at(1)},
				{ID: 2, Status: store.StatusError, LastModifiedAt: at(2)},
			},
			want: store.UpdateStatusError,
		},
		{
			name:   "error followed by a successful install",
			target: store.Target{AssignedDistributionSetID: store.ID(1), InstalledDistributionSetID: store.ID(1)},
			actions: []*store.Action{
				{ID: 1, Status: store.StatusError, LastModifiedAt: at(1)},
				{ID: 2, Status: store.StatusFinished, LastModifiedAt: at(2)},
			},
			want: store.UpdateStatusInSync,
		},
		{
			name:   "superseded actions are ignored",
			target: store.Target{AssignedDistributionSetID: store.ID(1), InstalledDistributionSetID: store.ID(1)},
			actions: []*store.Action{
				{ID: 1, Status: store.StatusFinished, LastModifiedAt: at(1)},
				{ID: 2, Status: store.StatusError, Superseded: true, LastModifiedAt: at(3)},
			},
			want: store.UpdateStatusInSync,
		},
		{
			name:   "same timestamp falls back to ID",
			target: store.Target{AssignedDistributionSetID: store.ID(2), InstalledDistributionSetID: store.ID(1)},
			actions: []*store.Action{
				{ID: 1, Status: store.StatusFinished, LastModifiedAt: at(1)},
				{ID: 2, Status: store.StatusError, LastModifiedAt: at(1)},
			},
			want: store.UpdateStatusError,
		},
		{
			name:   "assigned differs from installed",
			target: store.Target{AssignedDistributionSetID: store.ID(2), InstalledDistributionSetID: store.ID(1)},
			actions: []*store.Action{
				{ID: 1, Status: store.StatusFinished, LastModifiedAt: at(1)},
				{ID: 2, Status: store.StatusCanceled, Superseded: true, LastModifiedAt: at(2)},
			},
			want: store.UpdateStatusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveUpdateStatus(&tt.target, tt.actions); got != tt.want {
				t.Errorf("DeriveUpdateStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRefreshStatus(t *testing.T) {
	f := newFixture(t, Config{})
	f.createTargets("t1")

	// a poll records last-seen outside the manager
	if err := f.store.TouchTarget(f.ctx, tenant, "t1", "10.0.0.7", time.Now()); err != nil {
		t.Fatal(err)
	}
	got, err := f.mgr.RefreshStatus(f.ctx, tenant, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got != store.UpdateStatusRegistered {
		t.Errorf("refreshed status = %s, want REGISTERED", got)
	}
	f.checkTarget("t1", store.UpdateStatusRegistered)

	rev := f.target("t1").Revision
	if _, err := f.mgr.RefreshStatus(f.ctx, tenant, "t1"); err != nil {
		t.Fatal(err)
	}
	if f.target("t1").Revision != rev {
		t.Errorf("refresh without drift should not write")
	}
}

func TestCountTargetsByUpdateStatus(t *testing.T) {
	f := newFixture(t, Config{})
	f.createTargets("t1", "t2", "t3")
	ds := f.createSet()
	f.install(ds, "t1")
	f.assign(ds, "t2")

	counts, err := f.mgr.CountTargetsByUpdateStatus(f.ctx, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if counts[store.UpdateStatusInSync] != 1 || counts[store.UpdateStatusPending] != 1 || counts[store.UpdateStatusUnknown] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
