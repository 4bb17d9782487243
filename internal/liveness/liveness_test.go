package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/google/uuid"

	"gateway-hub/internal/core"
	"gateway-hub/internal/correlation"
	"gateway-hub/internal/mqtt"
	"gateway-hub/internal/pairing"
	"gateway-hub/internal/store"
)

func newTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

type fakeMQ struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeMQ() *fakeMQ { return &fakeMQ{published: map[string][][]byte{}} }

func (f *fakeMQ) Subscribe(string, mqtt.Handler) error { return nil }

func (f *fakeMQ) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeMQ) PublishWith(topic string, payload []byte, _ bool) error {
	return f.Publish(topic, payload)
}

func (f *fakeMQ) Unsubscribe(string) error { return nil }

func (f *fakeMQ) last(topic string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.published[topic]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type fakeSink struct {
	mu    sync.Mutex
	calls [][]byte
}

func (f *fakeSink) IngestSensorSnapshot(_ context.Context, _ *store.Gateway, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, raw)
}

func pairGateway(t *testing.T, repo *store.Repo, credential string) *store.Gateway {
	t.Helper()
	ctx := context.Background()
	home := &store.Home{Name: "Home", OwnerID: uuid.New()}
	if err := repo.CreateHome(ctx, home); err != nil {
		t.Fatalf("create home: %v", err)
	}
	gw := &store.Gateway{Serial: "GW-" + t.Name(), State: core.StatePairing, HomeID: &home.ID}
	if err := repo.CreateGateway(ctx, gw); err != nil {
		t.Fatalf("create gateway: %v", err)
	}
	if err := repo.ConfirmGateway(ctx, gw.ID, home.ID, pairing.HashCredential(credential), time.Now().UTC()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	confirmed, err := repo.GetGateway(ctx, gw.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return confirmed
}

func TestIsOnlineWindowBoundary(t *testing.T) {
	now := time.Now().UTC()
	window := 5 * time.Minute

	if !IsOnline(now.Add(-window+time.Second), now, window) {
		t.Fatalf("heartbeat just inside window should be online")
	}
	if IsOnline(now.Add(-window), now, window) {
		t.Fatalf("heartbeat exactly at window should be offline")
	}
	if IsOnline(now.Add(-window-time.Second), now, window) {
		t.Fatalf("heartbeat outside window should be offline")
	}
}

func TestRecordHeartbeat(t *testing.T) {
	repo := newTestRepo(t)
	sink := &fakeSink{}
	tracker := New(repo, nil, correlation.NewStore(), sink, nil, 5*time.Minute, time.Second)
	gw := pairGateway(t, repo, "cred-1")

	got, err := tracker.RecordHeartbeat(context.Background(), Heartbeat{
		Credential:     "cred-1",
		NetworkAddress: "10.0.0.7",
		Status:         json.RawMessage(`{"temperature":22}`),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got.ID != gw.ID {
		t.Fatalf("resolved wrong gateway")
	}
	if !tracker.Online(got) {
		t.Fatalf("gateway should be online after heartbeat")
	}

	stored, _ := repo.GetGateway(context.Background(), gw.ID)
	if stored.NetworkAddress != "10.0.0.7" {
		t.Fatalf("network address not persisted: %q", stored.NetworkAddress)
	}
	if len(sink.calls) != 1 {
		t.Fatalf("embedded status not forwarded, %d calls", len(sink.calls))
	}
}

func TestRecordHeartbeatUnknownCredential(t *testing.T) {
	repo := newTestRepo(t)
	tracker := New(repo, nil, correlation.NewStore(), nil, nil, 5*time.Minute, time.Second)

	_, err := tracker.RecordHeartbeat(context.Background(), Heartbeat{Credential: "bogus"})
	if !errors.Is(err, core.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestOnlineFalseForPairing(t *testing.T) {
	tracker := New(nil, nil, nil, nil, nil, 5*time.Minute, time.Second)
	gw := &store.Gateway{State: core.StatePairing, LastSeen: time.Now().UTC()}
	if tracker.Online(gw) {
		t.Fatalf("pairing gateway must never report online")
	}
}

func TestSweepFlipsStale(t *testing.T) {
	repo := newTestRepo(t)
	tracker := New(repo, nil, correlation.NewStore(), nil, nil, 5*time.Minute, time.Second)
	gw := pairGateway(t, repo, "cred-1")

	// Age the heartbeat past the window, then sweep.
	old := time.Now().UTC().Add(-time.Hour)
	if err := repo.TouchGateway(context.Background(), gw.ID, old, nil); err != nil {
		t.Fatalf("age gateway: %v", err)
	}
	tracker.Sweep(context.Background())

	got, _ := repo.GetGateway(context.Background(), gw.ID)
	if got.State != core.StateOffline {
		t.Fatalf("state = %s, want %s", got.State, core.StateOffline)
	}
}

func TestPingTimeout(t *testing.T) {
	repo := newTestRepo(t)
	mq := newFakeMQ()
	corr := correlation.NewStore()
	tracker := New(repo, mq, corr, nil, nil, 5*time.Minute, 20*time.Millisecond)
	gw := pairGateway(t, repo, "cred-1")

	err := tracker.Ping(context.Background(), gw)
	if !errors.Is(err, core.ErrUnavailable) {
		t.Fatalf("expected unavailable on silence, got %v", err)
	}
	if corr.PendingCount() != 0 {
		t.Fatalf("slot leaked after timeout")
	}
}

func TestPingCompletes(t *testing.T) {
	repo := newTestRepo(t)
	mq := newFakeMQ()
	corr := correlation.NewStore()
	tracker := New(repo, mq, corr, nil, nil, 5*time.Minute, time.Second)
	gw := pairGateway(t, repo, "cred-1")

	done := make(chan error, 1)
	go func() { done <- tracker.Ping(context.Background(), gw) }()

	// Wait for the probe to land on the commands channel, then echo its id.
	var req struct {
		RequestID string `json:"request_id"`
	}
	deadline := time.Now().Add(time.Second)
	for {
		if b := mq.last("gatewayhub/" + gw.HomeID.String() + "/commands"); b != nil {
			if err := json.Unmarshal(b, &req); err != nil {
				t.Fatalf("decode probe: %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("probe never published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	corr.Complete(req.RequestID, json.RawMessage(`{"pong":true}`))

	if err := <-done; err != nil {
		t.Fatalf("ping: %v", err)
	}
}
