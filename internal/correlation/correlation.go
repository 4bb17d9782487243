package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gateway-hub/internal/core"
)

// Store turns asynchronous publish/subscribe exchanges into blocking calls:
// a caller opens a slot under a request id, publishes a request carrying that
// id, and awaits the slot; the inbound router completes the slot when a
// response echoing the id arrives. Slots live only in memory and only until
// the first completion or the timeout, whichever comes first.
type Store struct {
	mu      sync.Mutex
	pending map[string]chan json.RawMessage
}

// Slot is an awaitable handle for one pending response.
type Slot struct {
	id string
	ch <-chan json.RawMessage
}

func NewStore() *Store {
	return &Store{pending: map[string]chan json.RawMessage{}}
}

// Open registers a pending slot for requestID. Opening the same id twice
// replaces the earlier slot, which then never completes; ids are uuids in
// practice so this only matters for misuse.
func (s *Store) Open(requestID string) *Slot {
	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	if _, ok := s.pending[requestID]; ok {
		slog.Warn("correlation slot replaced", "request_id", requestID)
	}
	s.pending[requestID] = ch
	s.mu.Unlock()
	return &Slot{id: requestID, ch: ch}
}

// Complete resolves the slot if still pending. Duplicate or late responses
// are logged and dropped. Returns whether a slot was completed, so the
// router can tell a correlated response from an unrelated message.
func (s *Store) Complete(requestID string, payload json.RawMessage) bool {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		slog.Debug("correlation response with no pending slot", "request_id", requestID)
		return false
	}
	ch <- payload // buffered; never blocks
	return true
}

// Await blocks the calling goroutine (never the inbound router, which runs
// completions on its own goroutines) until the slot resolves or the timeout
// elapses. On timeout the slot is removed so a late arrival is dropped.
func (s *Store) Await(ctx context.Context, slot *Slot, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-slot.ch:
		return payload, nil
	case <-timer.C:
		s.drop(slot.id)
		return nil, fmt.Errorf("%w: no response for request %s within %s", core.ErrUnavailable, slot.id, timeout)
	case <-ctx.Done():
		s.drop(slot.id)
		return nil, fmt.Errorf("%w: %v", core.ErrUnavailable, ctx.Err())
	}
}

func (s *Store) drop(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// PendingCount is exposed for tests and metrics.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
