package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/itskum47/FleetForge/control_plane/deployment"
	"github.com/itskum47/FleetForge/control_plane/store"
)

const tenant = "acme"

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	svc := NewService(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	if err := svc.CreateType(ctx, tenant, &store.DistributionSetType{
		Key:       "os_app",
		Name:      "OS with apps",
		Mandatory: []string{"os"},
		Optional:  []string{"app"},
	}); err != nil {
		t.Fatal(err)
	}
	return svc, s
}

func createModule(t *testing.T, svc *Service, typ, name string) int64 {
	t.Helper()
	m := &store.SoftwareModule{Type: typ, Name: name, Version: "1.0"}
	if err := svc.CreateModule(context.Background(), tenant, m); err != nil {
		t.Fatalf("create module %s: %v", name, err)
	}
	return m.ID
}

func moduleIDs(ds *store.DistributionSet) []int64 {
	ids := make([]int64, 0, len(ds.Modules))
	for _, m := range ds.Modules {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestCreateDistributionSet(t *testing.T) {
	ctx := context.Background()

	t.Run("Completeness follows mandatory slots", func(t *testing.T) {
		svc, _ := newTestService(t)
		app := createModule(t, svc, "app", "agent")
		os := createModule(t, svc, "os", "linux")

		ds, err := svc.CreateDistributionSet(ctx, tenant, DistributionSetRequest{Name: "fw", Version: "1", Type: "os_app", ModuleIDs: []int64{app}})
		if err != nil {
			t.Fatal(err)
		}
		if ds.Complete {
			t.Errorf("set without os module should be incomplete")
		}
		complete, err := svc.IsComplete(ctx, tenant, ds.ID)
		if err != nil || complete {
			t.Errorf("IsComplete = %v, %v", complete, err)
		}

		ds, err = svc.AssignModules(ctx, tenant, ds.ID, []int64{os, app})
		if err != nil {
			t.Fatal(err)
		}
		if !ds.Complete {
			t.Errorf("set with os module should be complete")
		}
		if diff := cmp.Diff([]int64{app, os}, moduleIDs(ds)); diff != "" {
			t.Errorf("modules mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Unknown type", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.CreateDistributionSet(ctx, tenant, DistributionSetRequest{Name: "fw", Version: "1", Type: "nope"})
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Module type must fit the set type", func(t *testing.T) {
		svc, _ := newTestService(t)
		fw := createModule(t, svc, "bootloader", "uboot")
		_, err := svc.CreateDistributionSet(ctx, tenant, DistributionSetRequest{Name: "fw", Version: "1", Type: "os_app", ModuleIDs: []int64{fw}})
		if !errors.Is(err, ErrUnsupportedModuleType) {
			t.Fatalf("expected ErrUnsupportedModuleType, got %v", err)
		}
		if !errors.Is(err, deployment.ErrInvalidState) {
			t.Errorf("unsupported module type should classify as invalid state")
		}
	})

	t.Run("Duplicate name and version", func(t *testing.T) {
		svc, _ := newTestService(t)
		req := DistributionSetRequest{Name: "fw", Version: "1", Type: "os_app"}
		if _, err := svc.CreateDistributionSet(ctx, tenant, req); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.CreateDistributionSet(ctx, tenant, req); !errors.Is(err, store.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("Invalid type definition", func(t *testing.T) {
		svc, _ := newTestService(t)
		err := svc.CreateType(ctx, tenant, &store.DistributionSetType{Key: "bad", Mandatory: []string{"os"}, Optional: []string{"os"}})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	})
}

func TestLockedAfterUse(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t)
	os := createModule(t, svc, "os", "linux")
	app := createModule(t, svc, "app", "agent")
	ds, err := svc.CreateDistributionSet(ctx, tenant, DistributionSetRequest{Name: "fw", Version: "1", Type: "os_app", ModuleIDs: []int64{os, app}})
	if err != nil {
		t.Fatal(err)
	}

	// changes are allowed before the first assignment
	if _, err := svc.UnassignModule(ctx, tenant, ds.ID, app); err != nil {
		t.Fatalf("unassign before use: %v", err)
	}

	if err := s.CreateTarget(ctx, tenant, &store.Target{ControllerID: "t1"}); err != nil {
		t.Fatal(err)
	}
	mgr := deployment.NewManager(s, deployment.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), deployment.WithModuleLookup(svc))
	defer mgr.Drain()
	if _, err := mgr.Assign(ctx, tenant, deployment.AssignmentRequest{DistributionSetID: ds.ID, ControllerIDs: []string{"t1"}}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if _, err := svc.AssignModules(ctx, tenant, ds.ID, []int64{app}); !errors.Is(err, ErrDistributionSetLocked) {
		t.Errorf("AssignModules after use: expected ErrDistributionSetLocked, got %v", err)
	}
	if _, err := svc.UnassignModule(ctx, tenant, ds.ID, os); !errors.Is(err, ErrDistributionSetLocked) {
		t.Errorf("UnassignModule after use: expected ErrDistributionSetLocked, got %v", err)
	}
	got, _ := svc.Get(ctx, tenant, ds.ID)
	if diff := cmp.Diff([]int64{os}, moduleIDs(got)); diff != "" {
		t.Errorf("modules changed after use (-want +got):\n%s", diff)
	}
}

func TestIncompleteSetCannotBeAssigned(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t)
	app := createModule(t, svc, "app", "agent")
	ds, err := svc.CreateDistributionSet(ctx, tenant, DistributionSetRequest{Name: "fw", Version: "1", Type: "os_app", ModuleIDs: []int64{app}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTarget(ctx, tenant, &store.Target{ControllerID: "t1"}); err != nil {
		t.Fatal(err)
	}
	mgr := deployment.NewManager(s, deployment.Config{}, nil, deployment.WithModuleLookup(svc))

	_, err = mgr.Assign(ctx, tenant, deployment.AssignmentRequest{DistributionSetID: ds.ID, ControllerIDs: []string{"t1"}})
	if !errors.Is(err, deployment.ErrIncompleteDistributionSet) {
		t.Fatalf("expected ErrIncompleteDistributionSet, got %v", err)
	}
	actions, _ := s.ListActionsByTarget(ctx, tenant, "t1")
	if len(actions) != 0 {
		t.Errorf("actions = %d, want 0", len(actions))
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("Unused set is removed", func(t *testing.T) {
		svc, _ := newTestService(t)
		ds, err := svc.CreateDistributionSet(ctx, tenant, DistributionSetRequest{Name: "fw", Version: "1", Type: "os_app"})
		if err != nil {
			t.Fatal(err)
		}
		soft, err := svc.Delete(ctx, tenant, ds.ID)
		if err != nil || soft {
			t.Fatalf("Delete = soft:%v err:%v", soft, err)
		}
		if _, err := svc.Get(ctx, tenant, ds.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound after hard delete, got %v", err)
		}
	})

	t.Run("Referenced set is soft deleted", func(t *testing.T) {
		svc, s := newTestService(t)
		os := createModule(t, svc, "os", "linux")
		ds, err := svc.CreateDistributionSet(ctx, tenant, DistributionSetRequest{Name: "fw", Version: "1", Type: "os_app", ModuleIDs: []int64{os}})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.CreateTarget(ctx, tenant, &store.Target{ControllerID: "t1"}); err != nil {
			t.Fatal(err)
		}
		mgr := deployment.NewManager(s, deployment.Config{}, nil, deployment.WithModuleLookup(svc))
		defer mgr.Drain()
		if _, err := mgr.Assign(ctx, tenant, deployment.AssignmentRequest{DistributionSetID: ds.ID, ControllerIDs: []string{"t1"}}); err != nil {
			t.Fatal(err)
		}

		soft, err := svc.Delete(ctx, tenant, ds.ID)
		if err != nil || !soft {
			t.Fatalf("Delete = soft:%v err:%v", soft, err)
		}
		got, err := svc.Get(ctx, tenant, ds.ID)
		if err != nil || !got.Deleted {
			t.Fatalf("soft deleted set should stay readable: %+v, %v", got, err)
		}
		if list, _ := svc.List(ctx, tenant, false); len(list) != 0 {
			t.Errorf("deleted set listed without includeDeleted")
		}
		if list, _ := svc.List(ctx, tenant, true); len(list) != 1 {
			t.Errorf("deleted set missing with includeDeleted")
		}

		_, err = mgr.Assign(ctx, tenant, deployment.AssignmentRequest{DistributionSetID: ds.ID, ControllerIDs: []string{"t1"}})
		if !errors.Is(err, deployment.ErrDistributionSetDeleted) {
			t.Errorf("expected ErrDistributionSetDeleted, got %v", err)
		}
	})
}

func TestUpdateDistributionSet(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t)
	os := createModule(t, svc, "os", "linux")
	ds, err := svc.CreateDistributionSet(ctx, tenant, DistributionSetRequest{Name: "fw", Version: "1", Type: "os_app", ModuleIDs: []int64{os}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateDistributionSet(ctx, tenant, DistributionSetRequest{Name: "other", Version: "1", Type: "os_app"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTarget(ctx, tenant, &store.Target{ControllerID: "t1"}); err != nil {
		t.Fatal(err)
	}
	mgr := deployment.NewManager(s, deployment.Config{}, nil, deployment.WithModuleLookup(svc))
	defer mgr.Drain()
	if _, err := mgr.Assign(ctx, tenant, deployment.AssignmentRequest{DistributionSetID: ds.ID, ControllerIDs: []string{"t1"}}); err != nil {
		t.Fatal(err)
	}

	name, desc := "firmware", "nightly build"
	updated, err := svc.UpdateDistributionSet(ctx, tenant, ds.ID, DistributionSetUpdate{Name: &name, Description: &desc})
	if err != nil {
		t.Fatalf("rename after use: %v", err)
	}
	if updated.Name != name || updated.Description != desc || updated.Revision != ds.Revision+1 {
		t.Errorf("unexpected set after update: %+v", updated)
	}

	migrate := true
	if _, err := svc.UpdateDistributionSet(ctx, tenant, ds.ID, DistributionSetUpdate{RequiredMigrationStep: &migrate}); !errors.Is(err, ErrDistributionSetLocked) {
		t.Errorf("migration flag after use: expected ErrDistributionSetLocked, got %v", err)
	}

	taken := "other"
	if _, err := svc.UpdateDistributionSet(ctx, tenant, ds.ID, DistributionSetUpdate{Name: &taken}); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("duplicate name:version: expected ErrAlreadyExists, got %v", err)
	}
	empty := " "
	if _, err := svc.UpdateDistributionSet(ctx, tenant, ds.ID, DistributionSetUpdate{Name: &empty}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("blank name: expected ErrInvalidRequest, got %v", err)
	}

	got, _ := svc.Get(ctx, tenant, ds.ID)
	if got.Name != name || got.RequiredMigrationStep {
		t.Errorf("stored set: %+v", got)
	}
}
