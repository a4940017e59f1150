package store

import (
	"context"
	"errors"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

const missingID = int64(1) << 40

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore(), "acme")
}

// TestPostgresStore runs the same suite against a real database. Each run
// uses a fresh tenant so it can share a database with other runs.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("FLEETFORGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FLEETFORGE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url, PoolConfig{MaxConns: 4})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	runStoreSuite(t, s, "test-"+uuid.NewString())
}

type suite struct {
	ctx    context.Context
	s      Store
	tenant string
}

func (x *suite) target(t *testing.T, id string) *Target {
	t.Helper()
	got, err := x.s.GetTarget(x.ctx, x.tenant, id)
	if err != nil {
		t.Fatalf("get target %s: %v", id, err)
	}
	return got
}

func (x *suite) createTarget(t *testing.T, id string) *Target {
	t.Helper()
	tgt := &Target{ControllerID: id, Name: id}
	if err := x.s.CreateTarget(x.ctx, x.tenant, tgt); err != nil {
		t.Fatalf("create target %s: %v", id, err)
	}
	return tgt
}

func (x *suite) createSet(t *testing.T, name string) *DistributionSet {
	t.Helper()
	ds := &DistributionSet{Name: name, Version: "1.0", Type: "os_only", Complete: true}
	if err := x.s.CreateDistributionSet(x.ctx, x.tenant, ds); err != nil {
		t.Fatalf("create distribution set %s: %v", name, err)
	}
	return ds
}

// assign commits a running action for the target against ds.
func (x *suite) assign(t *testing.T, controllerID string, ds *DistributionSet, statuses ...*ActionStatus) *Action {
	t.Helper()
	tgt := x.target(t, controllerID)
	tgt.AssignedDistributionSetID = ID(ds.ID)
	tgt.UpdateStatus = UpdateStatusPending
	a := &Action{
		ControllerID:      controllerID,
		DistributionSetID: ds.ID,
		Type:              ActionTypeForced,
		Status:            StatusRunning,
		Active:            true,
	}
	change := &TargetChange{
		Target:        tgt,
		Actions:       []ActionWrite{{Action: a, Statuses: statuses}},
		Guard:         &DistributionSetGuard{ID: ds.ID, Revision: ds.Revision},
		CurrentAction: a,
	}
	if err := x.s.ApplyTargetChange(x.ctx, x.tenant, change); err != nil {
		t.Fatalf("assign %s to %s: %v", ds.Name, controllerID, err)
	}
	return a
}

func (x *suite) history(t *testing.T, actionID int64) []ActionStatusCode {
	t.Helper()
	entries, err := x.s.ListActionStatuses(x.ctx, x.tenant, actionID)
	if err != nil {
		t.Fatalf("history of action %d: %v", actionID, err)
	}
	codes := make([]ActionStatusCode, 0, len(entries))
	for _, e := range entries {
		codes = append(codes, e.Status)
	}
	return codes
}

func runStoreSuite(t *testing.T, s Store, tenant string) {
	ctx := context.Background()
	x := &suite{ctx: ctx, s: s, tenant: tenant}

	t.Run("Target revisions", func(t *testing.T) {
		created := x.createTarget(t, "rev-1")
		if created.Revision != 1 || created.UpdateStatus != UpdateStatusUnknown {
			t.Errorf("created target: %+v", created)
		}
		if err := s.CreateTarget(ctx, tenant, &Target{ControllerID: "rev-1"}); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate: expected ErrAlreadyExists, got %v", err)
		}

		tgt := x.target(t, "rev-1")
		tgt.Description = "lab device"
		tgt.Attributes = map[string]string{"hw": "rev2"}
		if err := s.UpdateTarget(ctx, tenant, tgt, 1); err != nil {
			t.Fatal(err)
		}
		if tgt.Revision != 2 {
			t.Errorf("revision after update = %d, want 2", tgt.Revision)
		}
		if err := s.UpdateTarget(ctx, tenant, tgt, 1); !errors.Is(err, ErrConflict) {
			t.Errorf("stale revision: expected ErrConflict, got %v", err)
		}
		got := x.target(t, "rev-1")
		if got.Description != "lab device" || got.Attributes["hw"] != "rev2" || got.Revision != 2 {
			t.Errorf("stored target: %+v", got)
		}

		if _, err := s.GetTarget(ctx, tenant, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing target: expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetTarget(ctx, "other-"+tenant, "rev-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("other tenant: expected ErrNotFound, got %v", err)
		}
		if err := s.TouchTarget(ctx, tenant, "ghost", "", time.Now()); !errors.Is(err, ErrNotFound) {
			t.Errorf("touch missing target: expected ErrNotFound, got %v", err)
		}
		known, err := s.ListTargetsByControllerIDs(ctx, tenant, []string{"rev-1", "ghost"})
		if err != nil || len(known) != 1 {
			t.Errorf("known subset = %v, %v", known, err)
		}
		tenants, err := s.ListTenants(ctx)
		if err != nil || !slices.Contains(tenants, tenant) {
			t.Errorf("tenants = %v, %v", tenants, err)
		}
	})

	t.Run("Tags", func(t *testing.T) {
		if err := s.CreateTag(ctx, tenant, &Tag{Name: "eu", Colour: "#00f"}); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateTag(ctx, tenant, &Tag{Name: "eu"}); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate: expected ErrAlreadyExists, got %v", err)
		}
		if err := s.UpdateTag(ctx, tenant, &Tag{Name: "eu", Description: "Europe", Colour: "#0f0"}); err != nil {
			t.Fatal(err)
		}
		tag, err := s.GetTag(ctx, tenant, "eu")
		if err != nil || tag.Description != "Europe" || tag.Colour != "#0f0" {
			t.Errorf("updated tag = %+v, %v", tag, err)
		}
		if err := s.UpdateTag(ctx, tenant, &Tag{Name: "us"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing tag: expected ErrNotFound, got %v", err)
		}

		x.createTarget(t, "tag-1")
		x.createTarget(t, "tag-2")
		tgt := x.target(t, "tag-1")
		tgt.Tags = []string{"eu"}
		if err := s.UpdateTarget(ctx, tenant, tgt, tgt.Revision); err != nil {
			t.Fatal(err)
		}
		untagged, err := s.ListTargetsWithoutTags(ctx, tenant, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		ids := make([]string, 0, len(untagged))
		for _, u := range untagged {
			ids = append(ids, u.ControllerID)
		}
		if slices.Contains(ids, "tag-1") || !slices.Contains(ids, "tag-2") {
			t.Errorf("untagged targets = %v", ids)
		}

		if err := s.DeleteTag(ctx, tenant, "eu"); err != nil {
			t.Fatal(err)
		}
		if got := x.target(t, "tag-1"); len(got.Tags) != 0 {
			t.Errorf("tag left on target after delete: %v", got.Tags)
		}
		if err := s.DeleteTag(ctx, tenant, "eu"); !errors.Is(err, ErrNotFound) {
			t.Errorf("delete twice: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Distribution set details", func(t *testing.T) {
		if err := s.CreateTag(ctx, tenant, &Tag{Name: "stable"}); err != nil {
			t.Fatal(err)
		}
		m := &SoftwareModule{Type: "os", Name: "linux", Version: "6.1", Metadata: map[string]string{"arch": "arm64"}}
		if err := s.CreateSoftwareModule(ctx, tenant, m); err != nil {
			t.Fatal(err)
		}
		ds := &DistributionSet{
			Name:     "details",
			Version:  "1.0",
			Type:     "os_only",
			Modules:  []SoftwareModule{*m},
			Complete: true,
			Tags:     []string{"stable"},
			Metadata: map[string]string{"channel": "beta"},
		}
		if err := s.CreateDistributionSet(ctx, tenant, ds); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateDistributionSet(ctx, tenant, &DistributionSet{Name: "details", Version: "1.0", Type: "os_only"}); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate: expected ErrAlreadyExists, got %v", err)
		}
		if err := s.CreateDistributionSet(ctx, tenant, &DistributionSet{Name: "untagged", Version: "1.0", Tags: []string{"missing"}}); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown tag: expected ErrNotFound, got %v", err)
		}

		got, err := s.GetDistributionSet(ctx, tenant, ds.ID)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"stable"}, got.Tags); diff != "" {
			t.Errorf("tags mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(map[string]string{"channel": "beta"}, got.Metadata); diff != "" {
			t.Errorf("metadata mismatch (-want +got):\n%s", diff)
		}
		if len(got.Modules) != 1 || got.Modules[0].Metadata["arch"] != "arm64" {
			t.Errorf("modules = %+v", got.Modules)
		}

		other := x.createSet(t, "renamed")
		got.Name = "renamed"
		if err := s.UpdateDistributionSet(ctx, tenant, got, got.Revision, false); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("rename onto %s: expected ErrAlreadyExists, got %v", other.Name, err)
		}
		got.Name = "details-2"
		got.Tags = nil
		got.Metadata["owner"] = "ops"
		if err := s.UpdateDistributionSet(ctx, tenant, got, got.Revision, false); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateDistributionSet(ctx, tenant, got, ds.Revision, false); !errors.Is(err, ErrConflict) {
			t.Errorf("stale revision: expected ErrConflict, got %v", err)
		}
		stored, _ := s.GetDistributionSet(ctx, tenant, ds.ID)
		if stored.Name != "details-2" || len(stored.Tags) != 0 || stored.Metadata["owner"] != "ops" || stored.Revision != ds.Revision+1 {
			t.Errorf("stored set: %+v", stored)
		}
	})

	t.Run("Module metadata", func(t *testing.T) {
		m := &SoftwareModule{Type: "app", Name: "agent", Version: "1"}
		if err := s.CreateSoftwareModule(ctx, tenant, m); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ChangeSoftwareModuleMetadata(ctx, tenant, m.ID, MetadataCreate, map[string]string{"abi": "gnu"}); err != nil {
			t.Fatal(err)
		}
		_, err := s.ChangeSoftwareModuleMetadata(ctx, tenant, m.ID, MetadataCreate, map[string]string{"abi": "musl", "arch": "x86"})
		if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("existing key: expected ErrAlreadyExists, got %v", err)
		}
		if _, err := s.ChangeSoftwareModuleMetadata(ctx, tenant, m.ID, MetadataUpdate, map[string]string{"arch": "x86"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing key: expected ErrNotFound, got %v", err)
		}
		got, err := s.ChangeSoftwareModuleMetadata(ctx, tenant, m.ID, MetadataUpdate, map[string]string{"abi": "musl"})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(map[string]string{"abi": "musl"}, got.Metadata); diff != "" {
			t.Errorf("metadata mismatch (-want +got):\n%s", diff)
		}
		got, err = s.ChangeSoftwareModuleMetadata(ctx, tenant, m.ID, MetadataDelete, map[string]string{"abi": ""})
		if err != nil || len(got.Metadata) != 0 {
			t.Errorf("after delete = %+v, %v", got, err)
		}
		if _, err := s.ChangeSoftwareModuleMetadata(ctx, tenant, missingID, MetadataCreate, map[string]string{"abi": "gnu"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing module: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Target change commits action and history", func(t *testing.T) {
		x.createTarget(t, "chg-1")
		ds := x.createSet(t, "chg")
		a := x.assign(t, "chg-1", ds, &ActionStatus{Status: StatusRunning, Messages: []string{"assigned"}})

		if a.ID == 0 || a.Revision != 1 || a.TenantID != tenant {
			t.Errorf("action after commit: %+v", a)
		}
		tgt := x.target(t, "chg-1")
		if !SameID(tgt.ActiveActionID, &a.ID) || !SameID(tgt.AssignedDistributionSetID, &ds.ID) {
			t.Errorf("target pointers: active=%v assigned=%v", tgt.ActiveActionID, tgt.AssignedDistributionSetID)
		}
		if tgt.Revision != 2 || tgt.UpdateStatus != UpdateStatusPending {
			t.Errorf("target after commit: %+v", tgt)
		}
		active, err := s.ListActiveActionsByTarget(ctx, tenant, "chg-1")
		if err != nil || len(active) != 1 || active[0].ID != a.ID {
			t.Errorf("active actions = %v, %v", active, err)
		}
		if diff := cmp.Diff([]ActionStatusCode{StatusRunning}, x.history(t, a.ID)); diff != "" {
			t.Errorf("history mismatch (-want +got):\n%s", diff)
		}
		counts, err := s.CountActionStatuses(ctx, tenant, []int64{a.ID, missingID})
		if err != nil || counts[a.ID] != 1 {
			t.Errorf("status counts = %v, %v", counts, err)
		}
		inUse, err := s.DistributionSetInUse(ctx, tenant, ds.ID)
		if err != nil || !inUse {
			t.Errorf("DistributionSetInUse = %v, %v", inUse, err)
		}
	})

	t.Run("Rejected change leaves no trace", func(t *testing.T) {
		x.createTarget(t, "rej-1")
		ds := x.createSet(t, "rej")
		before := x.target(t, "rej-1")

		tests := []struct {
			name   string
			target func() *Target
			guard  *DistributionSetGuard
		}{
			{"stale set revision", func() *Target { return before.Clone() }, &DistributionSetGuard{ID: ds.ID, Revision: ds.Revision + 1}},
			{"stale target revision", func() *Target {
				tgt := before.Clone()
				tgt.Revision++
				return tgt
			}, &DistributionSetGuard{ID: ds.ID, Revision: ds.Revision}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tgt := tt.target()
				tgt.AssignedDistributionSetID = ID(ds.ID)
				a := &Action{ControllerID: "rej-1", DistributionSetID: ds.ID, Type: ActionTypeForced, Status: StatusRunning, Active: true}
				change := &TargetChange{
					Target:        tgt,
					Actions:       []ActionWrite{{Action: a, Statuses: []*ActionStatus{{Status: StatusRunning}}}},
					Guard:         tt.guard,
					CurrentAction: a,
				}
				if err := s.ApplyTargetChange(ctx, tenant, change); !errors.Is(err, ErrConflict) {
					t.Fatalf("expected ErrConflict, got %v", err)
				}
				actions, _ := s.ListActionsByTarget(ctx, tenant, "rej-1")
				if len(actions) != 0 {
					t.Errorf("rejected change left %d actions", len(actions))
				}
				if diff := cmp.Diff(before, x.target(t, "rej-1")); diff != "" {
					t.Errorf("target changed (-before +after):\n%s", diff)
				}
			})
		}
	})

	t.Run("Action revisions", func(t *testing.T) {
		x.createTarget(t, "act-1")
		a := x.assign(t, "act-1", x.createSet(t, "act"))
		stale := a.Clone()

		a.Status = StatusDownloaded
		if err := s.ApplyTargetChange(ctx, tenant, &TargetChange{Actions: []ActionWrite{{Action: a, Statuses: []*ActionStatus{{Status: StatusDownloaded}}}}}); err != nil {
			t.Fatal(err)
		}
		if a.Revision != 2 {
			t.Errorf("revision after update = %d, want 2", a.Revision)
		}

		stale.Status = StatusError
		stale.Active = false
		err := s.ApplyTargetChange(ctx, tenant, &TargetChange{Actions: []ActionWrite{{Action: stale, Statuses: []*ActionStatus{{Status: StatusError}}}}})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("stale action: expected ErrConflict, got %v", err)
		}
		got, _ := s.GetAction(ctx, tenant, a.ID)
		if got.Status != StatusDownloaded || !got.Active || got.Revision != 2 {
			t.Errorf("stored action: %+v", got)
		}
		if diff := cmp.Diff([]ActionStatusCode{StatusDownloaded}, x.history(t, a.ID)); diff != "" {
			t.Errorf("history mismatch (-want +got):\n%s", diff)
		}

		// history-only writes ignore the action revision and leave the row alone
		stale.Status = StatusWarning
		err = s.ApplyTargetChange(ctx, tenant, &TargetChange{Actions: []ActionWrite{{Action: stale, Statuses: []*ActionStatus{{Status: StatusWarning}}, HistoryOnly: true}}})
		if err != nil {
			t.Fatalf("history only: %v", err)
		}
		got, _ = s.GetAction(ctx, tenant, a.ID)
		if got.Status != StatusDownloaded || got.Revision != 2 {
			t.Errorf("history-only write changed the action: %+v", got)
		}
		if diff := cmp.Diff([]ActionStatusCode{StatusDownloaded, StatusWarning}, x.history(t, a.ID)); diff != "" {
			t.Errorf("history mismatch (-want +got):\n%s", diff)
		}
		if _, err := s.GetAction(ctx, tenant, missingID); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing action: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("History ordered by occurrence then insertion", func(t *testing.T) {
		x.createTarget(t, "hist-1")
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		a := x.assign(t, "hist-1", x.createSet(t, "hist"),
			&ActionStatus{Status: StatusFinished, OccurredAt: base.Add(time.Minute)},
			&ActionStatus{Status: StatusRunning, OccurredAt: base},
			&ActionStatus{Status: StatusDownloaded, OccurredAt: base},
		)
		if err := s.AddActionStatus(ctx, tenant, &ActionStatus{ActionID: a.ID, Status: StatusWarning, OccurredAt: base.Add(-time.Minute)}); err != nil {
			t.Fatal(err)
		}
		want := []ActionStatusCode{StatusWarning, StatusRunning, StatusDownloaded, StatusFinished}
		if diff := cmp.Diff(want, x.history(t, a.ID)); diff != "" {
			t.Errorf("history mismatch (-want +got):\n%s", diff)
		}
		if err := s.AddActionStatus(ctx, tenant, &ActionStatus{ActionID: missingID, Status: StatusRunning}); !errors.Is(err, ErrNotFound) {
			t.Errorf("history for missing action: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Sets in use are soft deleted", func(t *testing.T) {
		x.createTarget(t, "use-1")
		used := x.createSet(t, "used")
		unused := x.createSet(t, "unused")
		x.assign(t, "use-1", used)

		used, _ = s.GetDistributionSet(ctx, tenant, used.ID)
		if err := s.UpdateDistributionSet(ctx, tenant, used, used.Revision, true); !errors.Is(err, ErrInUse) {
			t.Errorf("update requiring unused: expected ErrInUse, got %v", err)
		}
		if err := s.DeleteDistributionSet(ctx, tenant, used.ID); !errors.Is(err, ErrInUse) {
			t.Errorf("hard delete: expected ErrInUse, got %v", err)
		}

		used.Deleted = true
		if err := s.UpdateDistributionSet(ctx, tenant, used, used.Revision, false); err != nil {
			t.Fatal(err)
		}
		listed := func(includeDeleted bool) bool {
			sets, err := s.ListDistributionSets(ctx, tenant, includeDeleted)
			if err != nil {
				t.Fatal(err)
			}
			return slices.ContainsFunc(sets, func(ds *DistributionSet) bool { return ds.ID == used.ID })
		}
		if listed(false) || !listed(true) {
			t.Errorf("soft deleted set listed: live=%v all=%v", listed(false), listed(true))
		}
		if got, err := s.GetDistributionSet(ctx, tenant, used.ID); err != nil || !got.Deleted {
			t.Errorf("soft deleted set should stay readable: %+v, %v", got, err)
		}

		if err := s.DeleteDistributionSet(ctx, tenant, unused.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetDistributionSet(ctx, tenant, unused.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("hard deleted set: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Deleting a target cascades", func(t *testing.T) {
		x.createTarget(t, "del-1")
		a := x.assign(t, "del-1", x.createSet(t, "del"), &ActionStatus{Status: StatusRunning})

		n, err := s.DeleteTargets(ctx, tenant, []string{"del-1", "ghost"})
		if err != nil || n != 1 {
			t.Fatalf("DeleteTargets = %d, %v", n, err)
		}
		if _, err := s.GetAction(ctx, tenant, a.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("action should go with its target, got %v", err)
		}
		if _, err := s.ListActionStatuses(ctx, tenant, a.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("history should go with its target, got %v", err)
		}
	})

	counts, err := x.s.CountTargetsByUpdateStatus(ctx, tenant)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range UpdateStatuses {
		if _, ok := counts[st]; !ok {
			t.Errorf("status %s missing from counts", st)
		}
	}
	if counts[UpdateStatusPending] < 3 {
		t.Errorf("pending targets = %d, want at least 3", counts[UpdateStatusPending])
	}
}
