package streaming

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerPublisher(t *testing.T) {
	ctx := context.Background()
	sink := &recordingPublisher{err: errors.New("redis down")}
	b := NewBreakerPublisher(sink, 3, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	ev := ActionUpdated{TenantID: "acme", ControllerID: "dev-1", ActionID: 1, Status: "RUNNING"}
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, TopicActionUpdated, ev); !errors.Is(err, sink.err) {
			t.Fatalf("publish %d: expected sink error, got %v", i, err)
		}
	}
	if b.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if err := b.Publish(ctx, TopicActionUpdated, ev); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	t.Run("failed trial re-opens", func(t *testing.T) {
		now = now.Add(time.Minute)
		if err := b.Publish(ctx, TopicActionUpdated, ev); !errors.Is(err, sink.err) {
			t.Fatalf("trial call should reach the sink, got %v", err)
		}
		if b.State() != CircuitOpen {
			t.Errorf("state = %s, want open", b.State())
		}
	})

	t.Run("successful trial closes", func(t *testing.T) {
		sink.err = nil
		now = now.Add(time.Minute)
		if err := b.Publish(ctx, TopicActionUpdated, ev); err != nil {
			t.Fatalf("trial call: %v", err)
		}
		if b.State() != CircuitClosed {
			t.Errorf("state = %s, want closed", b.State())
		}
		if len(sink.events) != 1 {
			t.Errorf("sink got %d events, want 1", len(sink.events))
		}
	})
}
