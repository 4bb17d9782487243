package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gateway-hub/internal/core"
)

func TestCompleteResolvesAwait(t *testing.T) {
	s := NewStore()
	slot := s.Open("req-1")

	go func() {
		if !s.Complete("req-1", json.RawMessage(`{"ok":true}`)) {
			t.Error("complete should find the slot")
		}
	}()

	payload, err := s.Await(context.Background(), slot, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(payload) != `{"ok":true}` {
		t.Fatalf("payload = %s", payload)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("slot leaked: %d pending", s.PendingCount())
	}
}

func TestAwaitTimeoutDropsSlot(t *testing.T) {
	s := NewStore()
	slot := s.Open("req-1")

	_, err := s.Await(context.Background(), slot, 10*time.Millisecond)
	if !errors.Is(err, core.ErrUnavailable) {
		t.Fatalf("expected unavailable on timeout, got %v", err)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("timed-out slot not dropped")
	}
	// A late response finds nothing and reports so.
	if s.Complete("req-1", json.RawMessage(`{}`)) {
		t.Fatalf("late completion should be a no-op")
	}
}

func TestAwaitCancelledContext(t *testing.T) {
	s := NewStore()
	slot := s.Open("req-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Await(ctx, slot, time.Second); !errors.Is(err, core.ErrUnavailable) {
		t.Fatalf("expected unavailable on cancel, got %v", err)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("cancelled slot not dropped")
	}
}

func TestCompleteUnknownID(t *testing.T) {
	s := NewStore()
	if s.Complete("nope", json.RawMessage(`{}`)) {
		t.Fatalf("unknown id should not complete")
	}
}
