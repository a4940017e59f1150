package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []streaming.DistributionSetTagAssignmentResult
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := payload.(streaming.DistributionSetTagAssignmentResult); ok && topic == streaming.TopicDistributionSetTagged {
		p.events = append(p.events, ev)
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func createSets(t *testing.T, svc *Service, versions ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(versions))
	for _, v := range versions {
		ds, err := svc.CreateDistributionSet(context.Background(), tenant, DistributionSetRequest{Name: "fw", Version: v, Type: "os_app"})
		if err != nil {
			t.Fatalf("create set %s: %v", v, err)
		}
		ids = append(ids, ds.ID)
	}
	return ids
}

func TestSetTags(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	pub := &recordingPublisher{}
	svc := NewService(s, slog.New(slog.NewTextHandler(io.Discard, nil)), WithPublisher(pub))
	if err := svc.CreateType(ctx, tenant, &store.DistributionSetType{Key: "os_app", Mandatory: []string{"os"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTag(ctx, tenant, &store.Tag{Name: "stable"}); err != nil {
		t.Fatal(err)
	}
	ids := createSets(t, svc, "1", "2")
	one, two := ids[0], ids[1]

	t.Run("Assign is idempotent", func(t *testing.T) {
		res, err := svc.AssignTag(ctx, tenant, "stable", []int64{one})
		if err != nil {
			t.Fatal(err)
		}
		res, err = svc.AssignTag(ctx, tenant, "stable", []int64{one, two, two})
		if err != nil {
			t.Fatal(err)
		}
		want := &streaming.DistributionSetTagAssignmentResult{
			TenantID:        tenant,
			Tag:             "stable",
			AlreadyAssigned: 1,
			Assigned:        []int64{two},
			Unassigned:      []int64{},
		}
		if diff := cmp.Diff(want, res); diff != "" {
			t.Errorf("result mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Toggle removes when all carry the tag", func(t *testing.T) {
		res, err := svc.ToggleTag(ctx, tenant, "stable", []int64{one, two})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]int64{one, two}, res.Unassigned); diff != "" || len(res.Assigned) != 0 {
			t.Errorf("unexpected toggle result %+v", res)
		}
		// one now lacks the tag, so the toggle assigns to both
		if _, err := svc.AssignTag(ctx, tenant, "stable", []int64{two}); err != nil {
			t.Fatal(err)
		}
		res, err = svc.ToggleTag(ctx, tenant, "stable", []int64{one, two})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]int64{one}, res.Assigned); diff != "" || res.AlreadyAssigned != 1 {
			t.Errorf("unexpected toggle result %+v", res)
		}
	})

	t.Run("Unassign and list by tag", func(t *testing.T) {
		if _, err := svc.UnassignTag(ctx, tenant, "stable", []int64{one}); err != nil {
			t.Fatal(err)
		}
		sets, err := svc.ListByTag(ctx, tenant, "stable")
		if err != nil {
			t.Fatal(err)
		}
		if len(sets) != 1 || sets[0].ID != two {
			t.Errorf("sets tagged stable: %+v", sets)
		}
	})

	t.Run("Unknown tag or set", func(t *testing.T) {
		if _, err := svc.AssignTag(ctx, tenant, "missing", []int64{one}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("unknown tag: expected ErrNotFound, got %v", err)
		}
		if _, err := svc.AssignTag(ctx, tenant, "stable", []int64{999}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("unknown set: expected ErrNotFound, got %v", err)
		}
		if _, err := svc.AssignTag(ctx, tenant, "stable", nil); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("no sets: expected ErrInvalidRequest, got %v", err)
		}
	})

	t.Run("Deleting the tag strips it from sets", func(t *testing.T) {
		if err := s.DeleteTag(ctx, tenant, "stable"); err != nil {
			t.Fatal(err)
		}
		ds, _ := svc.Get(ctx, tenant, two)
		if ds.HasTag("stable") {
			t.Errorf("set still tagged after tag deletion: %v", ds.Tags)
		}
	})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 6 {
		t.Errorf("published %d tag assignment events, want 6", len(pub.events))
	}
}
