package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gateway-hub/internal/core"
	"gateway-hub/internal/correlation"
	"gateway-hub/internal/mqtt"
	"gateway-hub/internal/pairing"
	"gateway-hub/internal/realtime"
	"gateway-hub/internal/store"
	"gateway-hub/internal/topic"
)

// SnapshotSink receives the sensor payload a heartbeat may embed.
type SnapshotSink interface {
	IngestSensorSnapshot(ctx context.Context, gw *store.Gateway, raw []byte)
}

// Heartbeat is the periodic liveness signal published on the status channel.
type Heartbeat struct {
	Credential     string          `json:"credential"`
	NetworkAddress string          `json:"network_address,omitempty"`
	Firmware       string          `json:"firmware,omitempty"`
	Status         json.RawMessage `json:"status,omitempty"`
}

// Tracker derives online/offline from heartbeat recency. The stored enum can
// lag between heartbeats, so callers ask Online() instead of trusting it.
type Tracker struct {
	repo    *store.Repo
	mq      mqtt.ClientAPI
	corr    *correlation.Store
	sink    SnapshotSink
	hub     *realtime.Hub
	window  time.Duration
	timeout time.Duration
}

func New(repo *store.Repo, mq mqtt.ClientAPI, corr *correlation.Store, sink SnapshotSink, hub *realtime.Hub, window, corrTimeout time.Duration) *Tracker {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if corrTimeout <= 0 {
		corrTimeout = 5 * time.Second
	}
	return &Tracker{repo: repo, mq: mq, corr: corr, sink: sink, hub: hub, window: window, timeout: corrTimeout}
}

func (t *Tracker) Window() time.Duration { return t.window }

// RecordHeartbeat resolves the credential, advances last-seen and forces any
// non-PAIRING state back to ONLINE. An embedded status payload is forwarded
// to the projector.
func (t *Tracker) RecordHeartbeat(ctx context.Context, hb Heartbeat) (*store.Gateway, error) {
	gw, err := t.repo.GetGatewayByCredentialHash(ctx, pairing.HashCredential(hb.Credential))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown gateway credential", core.ErrUnauthenticated)
		}
		return nil, err
	}
	now := time.Now().UTC()
	extra := map[string]any{}
	if hb.NetworkAddress != "" {
		extra["network_address"] = hb.NetworkAddress
	}
	if hb.Firmware != "" {
		extra["firmware"] = hb.Firmware
	}
	if err := t.repo.TouchGateway(ctx, gw.ID, now, extra); err != nil {
		return nil, err
	}
	if gw.State != core.StatePairing && gw.State != core.StateOnline {
		t.emit(gw.ID, core.StateOnline)
	}
	gw.LastSeen = now
	if gw.State != core.StatePairing {
		gw.State = core.StateOnline
	}
	if len(hb.Status) > 0 && t.sink != nil {
		t.sink.IngestSensorSnapshot(ctx, gw, hb.Status)
	}
	return gw, nil
}

// IsOnline is a pure function of heartbeat recency against the window.
func IsOnline(lastSeen, now time.Time, window time.Duration) bool {
	return now.Sub(lastSeen) < window
}

// Online reports whether the gateway heartbeated within the window.
func (t *Tracker) Online(gw *store.Gateway) bool {
	if gw == nil || gw.State == core.StatePairing {
		return false
	}
	return IsOnline(gw.LastSeen, time.Now().UTC(), t.window)
}

// Sweep flips gateways whose stored state is ONLINE but whose last heartbeat
// is outside the window. Needed because the transport's last-will notice is
// not guaranteed to arrive on abrupt power loss. Scheduled with
// skip-if-running semantics; see cmd wiring.
func (t *Tracker) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-t.window)
	flipped, err := t.repo.SweepStale(ctx, cutoff)
	if err != nil {
		slog.Error("liveness sweep failed", "error", err)
		return
	}
	for _, gw := range flipped {
		slog.Info("gateway went offline", "gateway_id", gw.ID, "serial", gw.Serial, "last_seen", gw.LastSeen)
		t.emit(gw.ID, core.StateOffline)
	}
	if len(flipped) > 0 {
		slog.Info("liveness sweep flipped gateways", "count", len(flipped))
	}
}

// Ping issues a correlated liveness probe over the commands channel and
// waits for the echo. A timeout surfaces as Unavailable.
func (t *Tracker) Ping(ctx context.Context, gw *store.Gateway) error {
	if gw.HomeID == nil {
		return fmt.Errorf("%w: gateway %s is not paired to a home", core.ErrInvalidState, gw.ID)
	}
	requestID := uuid.NewString()
	slot := t.corr.Open(requestID)
	b, _ := json.Marshal(map[string]any{
		"id":         requestID,
		"request_id": requestID,
		"type":       "ping",
		"timestamp":  time.Now().UTC().Unix(),
	})
	if err := t.mq.Publish(topic.Commands(gw.HomeID.String()), b); err != nil {
		return fmt.Errorf("%w: publish failed: %v", core.ErrUnavailable, err)
	}
	if _, err := t.corr.Await(ctx, slot, t.timeout); err != nil {
		return err
	}
	return nil
}

func (t *Tracker) emit(id uuid.UUID, state core.PairingState) {
	if t.hub == nil {
		return
	}
	t.hub.Broadcast(realtime.Event{Type: "gateway.state", ID: id.String(), Status: string(state)})
}
