package deployment

import (
	"errors"
	"testing"

	"github.com/itskum47/FleetForge/control_plane/store"
)

func TestCancellation(t *testing.T) {
	t.Run("Canceling resumes superseded actions newest first", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.createTargets("t1")
		d0, d1, d2 := f.createSet(), f.createSet(), f.createSet()
		f.install(d0, "t1")

		a1 := f.assignOne(d1, "t1")
		a2 := f.assignOne(d2, "t1")

		f.cancel(a2.ID)
		if cur, _ := f.mgr.CurrentAction(f.ctx, tenant, "t1"); cur == nil || cur.ID != a2.ID {
			t.Fatalf("pending rollback should be the current action, got %+v", cur)
		}
		f.report(a2.ID, store.StatusCanceled)

		target := f.checkTarget("t1", store.UpdateStatusPending)
		if !ptrEq(target.AssignedDistributionSetID, d1) {
			t.Fatalf("assigned set = %v, want %d", target.AssignedDistributionSetID, d1)
		}
		resumed := f.action(a1.ID)
		if !resumed.Active || resumed.Status != store.StatusRunning || resumed.Superseded {
			t.Errorf("resumed action: %+v", resumed)
		}
		if cur, _ := f.mgr.CurrentAction(f.ctx, tenant, "t1"); cur == nil || cur.ID != a1.ID {
			t.Errorf("current action = %+v, want %d", cur, a1.ID)
		}

		f.cancel(a1.ID)
		f.report(a1.ID, store.StatusCanceled)

		target = f.checkTarget("t1", store.UpdateStatusInSync)
		if !ptrEq(target.AssignedDistributionSetID, d0) {
			t.Errorf("assigned set = %v, want installed %d", target.AssignedDistributionSetID, d0)
		}
		if len(f.activeActions("t1")) != 0 {
			t.Errorf("no action should stay active")
		}
	})

	t.Run("Cancel requires an active action", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.createTargets("t1")
		a := f.assignOne(f.createSet(), "t1")
		f.report(a.ID, store.StatusFinished)

		_, err := f.mgr.Cancel(f.ctx, tenant, a.ID)
		if !errors.Is(err, ErrCancelNotAllowed) {
			t.Fatalf("expected ErrCancelNotAllowed, got %v", err)
		}
	})

	t.Run("Cancel is idempotent and notifies once", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.createTargets("t1")
		a := f.assignOne(f.createSet(), "t1")

		f.cancel(a.ID)
		f.cancel(a.ID)
		f.mgr.Drain()

		if n := len(f.notifier.cancels()); n != 1 {
			t.Errorf("cancel events = %d, want 1", n)
		}
		got := f.action(a.ID)
		if !got.Active || got.Status != store.StatusCanceling {
			t.Errorf("canceling action: %+v", got)
		}
		f.checkTarget("t1", store.UpdateStatusPending)
	})

	t.Run("Rejected cancellation returns to running", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.createTargets("t1")
		ds := f.createSet()
		a := f.assignOne(ds, "t1")

		f.cancel(a.ID)
		got := f.report(a.ID, store.StatusError)
		if !got.Active || got.Status != store.StatusRunning {
			t.Fatalf("action after rejected cancel: %+v", got)
		}
		target := f.checkTarget("t1", store.UpdateStatusPending)
		if !ptrEq(target.ActiveActionID, a.ID) {
			t.Errorf("active action = %v, want %d", target.ActiveActionID, a.ID)
		}

		f.report(a.ID, store.StatusFinished)
		f.checkTarget("t1", store.UpdateStatusInSync)
	})

	t.Run("Finished during cancel confirms the cancellation", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.createTargets("t1")
		a := f.assignOne(f.createSet(), "t1")

		f.cancel(a.ID)
		got := f.report(a.ID, store.StatusFinished)
		if got.Active || got.Status != store.StatusCanceled {
			t.Fatalf("action: %+v", got)
		}
		target := f.checkTarget("t1", store.UpdateStatusInSync)
		if target.InstalledDistributionSetID != nil || target.AssignedDistributionSetID != nil {
			t.Errorf("target should fall back to nothing installed: %+v", target)
		}
	})

	t.Run("Intermediate report while canceling is history only", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.createTargets("t1")
		a := f.assignOne(f.createSet(), "t1")
		f.cancel(a.ID)

		got := f.report(a.ID, store.StatusDownloaded)
		if got.Status != store.StatusCanceling {
			t.Errorf("status = %s, want CANCELING", got.Status)
		}
	})

	t.Run("Resume skips sets deleted meanwhile", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.createTargets("t1")
		d1, d2, d3 := f.createSet(), f.createSet(), f.createSet()
		a1 := f.assignOne(d1, "t1")
		a2 := f.assignOne(d2, "t1")
		a3 := f.assignOne(d3, "t1")

		ds, _ := f.store.GetDistributionSet(f.ctx, tenant, d2)
		ds.Deleted = true
		if err := f.store.UpdateDistributionSet(f.ctx, tenant, ds, ds.Revision, false); err != nil {
			t.Fatal(err)
		}

		f.cancel(a3.ID)
		f.report(a3.ID, store.StatusCanceled)

		if got := f.action(a2.ID); got.Active {
			t.Errorf("action on deleted set was resumed")
		}
		if got := f.action(a1.ID); !got.Active {
			t.Errorf("older action should be resumed")
		}
		target := f.checkTarget("t1", store.UpdateStatusPending)
		if !ptrEq(target.AssignedDistributionSetID, d1) {
			t.Errorf("assigned set = %v, want %d", target.AssignedDistributionSetID, d1)
		}
	})

	t.Run("Reassigning while canceling keeps the rollback pending", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.createTargets("t1")
		d1, d2 := f.createSet(), f.createSet()
		a1 := f.assignOne(d1, "t1")
		f.cancel(a1.ID)
		a2 := f.assignOne(d2, "t1")

		old := f.action(a1.ID)
		if !old.IsCanceling() || !old.Superseded {
			t.Fatalf("canceling action after reassign: %+v", old)
		}
		if cur, _ := f.mgr.CurrentAction(f.ctx, tenant, "t1"); cur == nil || cur.ID != a1.ID {
			t.Fatalf("rollback should be served first, got %+v", cur)
		}

		f.report(a1.ID, store.StatusCanceled)
		target := f.checkTarget("t1", store.UpdateStatusPending)
		if !ptrEq(target.ActiveActionID, a2.ID) || !ptrEq(target.AssignedDistributionSetID, d2) {
			t.Errorf("new assignment should stay current: %+v", target)
		}
		if cur, _ := f.mgr.CurrentAction(f.ctx, tenant, "t1"); cur == nil || cur.ID != a2.ID {
			t.Errorf("current action = %+v, want %d", cur, a2.ID)
		}
	})
}

func TestForceQuit(t *testing.T) {
	t.Run("Only canceling actions can be force quit", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.createTargets("t1")
		a := f.assignOne(f.createSet(), "t1")

		_, err := f.mgr.ForceQuit(f.ctx, tenant, a.ID)
		if !errors.Is(err, ErrForceQuitNotAllowed) {
			t.Fatalf("expected ErrForceQuitNotAllowed, got %v", err)
		}
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("force quit guard should classify as invalid state")
		}
		if got := f.action(a.ID); !got.Active || got.Status != store.StatusRunning {
			t.Errorf("action changed: %+v", got)
		}
	})

	t.Run("Force quit terminates and resumes", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.createTargets("t1")
		d1, d2 := f.createSet(), f.createSet()
		a1 := f.assignOne(d1, "t1")
		a2 := f.assignOne(d2, "t1")
		f.cancel(a2.ID)

		got, err := f.mgr.ForceQuit(f.ctx, tenant, a2.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Active || got.Status != store.StatusCanceled {
			t.Errorf("force quit action: %+v", got)
		}
		if resumed := f.action(a1.ID); !resumed.Active {
			t.Errorf("superseded action should resume after force quit")
		}
		f.checkTarget("t1", store.UpdateStatusPending)
	})
}

func TestForceTargetAction(t *testing.T) {
	f := newFixture(t, Config{})
	f.createTargets("t1", "t2")
	ds := f.createSet()

	res, err := f.mgr.Assign(f.ctx, tenant, AssignmentRequest{
		DistributionSetID: ds,
		ControllerIDs:     []string{"t1"},
		ActionType:        store.ActionTypeSoft,
	})
	if err != nil {
		t.Fatal(err)
	}
	a := res.Actions[0]

	got, err := f.mgr.ForceTargetAction(f.ctx, tenant, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != store.ActionTypeForced {
		t.Errorf("type = %s, want FORCED", got.Type)
	}

	f.report(a.ID, store.StatusFinished)
	if _, err := f.mgr.ForceTargetAction(f.ctx, tenant, a.ID); !errors.Is(err, ErrActionNotActive) {
		t.Errorf("expected ErrActionNotActive, got %v", err)
	}
}
