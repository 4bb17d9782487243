package emergency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gateway-hub/internal/core"
	"gateway-hub/internal/metrics"
	"gateway-hub/internal/realtime"
	"gateway-hub/internal/store"
)

// Alert is handed to the notification layer. Delivery is out of scope; the
// detector only decides when to raise.
type Alert struct {
	GatewayID uuid.UUID
	HomeID    *uuid.UUID
	Kind      core.AlertKind
	Resolved  core.AlertKind // for CLEARED: which hazard resolved
	At        time.Time
}

// Notifier is the raise(event) call into the external alerting mechanism.
type Notifier interface {
	Raise(ctx context.Context, alert Alert)
}

// Detector inspects projected snapshots for hazard flags and raises exactly
// one alert per episode: an active hazard within the trailing window
// suppresses repeats, and a cleared alert is de-duplicated over a shorter
// window to tolerate repeated all-clear snapshots.
type Detector struct {
	notifier Notifier
	hub      *realtime.Hub

	activeWindow time.Duration
	clearedDedup time.Duration

	mu       sync.Mutex
	episodes map[uuid.UUID]*episode
	nowFn    func() time.Time
}

type episode struct {
	kind         core.AlertKind
	lastActiveAt time.Time
	clearedAt    time.Time
}

func New(notifier Notifier, hub *realtime.Hub, activeWindow, clearedDedup time.Duration) *Detector {
	if activeWindow <= 0 {
		activeWindow = 5 * time.Minute
	}
	if clearedDedup <= 0 {
		clearedDedup = 2 * time.Minute
	}
	return &Detector{
		notifier:     notifier,
		hub:          hub,
		activeWindow: activeWindow,
		clearedDedup: clearedDedup,
		episodes:     map[uuid.UUID]*episode{},
		nowFn:        func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate reads hazard flags from one projected snapshot. Safe for
// concurrent gateways; state is tracked per gateway.
func (d *Detector) Evaluate(ctx context.Context, gw *store.Gateway, snapshot map[string]any) {
	fire := flag(snapshot, "fireStatus")
	gas := flag(snapshot, "gasStatus")
	soft := flag(snapshot, "alertStatus")

	if soft && !fire && !gas {
		// Elevated but not critical; logged, never notified.
		slog.Info("soft hazard alert", "gateway_id", gw.ID)
	}

	now := d.nowFn()
	d.mu.Lock()
	ep := d.episodes[gw.ID]
	if ep == nil {
		ep = &episode{}
		d.episodes[gw.ID] = ep
	}

	if fire || gas {
		kind := classify(fire, gas)
		recentlyActive := !ep.lastActiveAt.IsZero() && now.Sub(ep.lastActiveAt) < d.activeWindow
		ep.lastActiveAt = now
		ep.kind = kind
		ep.clearedAt = time.Time{}
		d.mu.Unlock()
		if recentlyActive {
			return // same episode, already raised
		}
		d.raise(ctx, Alert{GatewayID: gw.ID, HomeID: gw.HomeID, Kind: kind, At: now})
		return
	}

	// Hazards clear: raise a single CLEARED for a recent episode, suppressed
	// within the dedup window against repeated snapshots.
	hadRecent := !ep.lastActiveAt.IsZero() && now.Sub(ep.lastActiveAt) < d.activeWindow
	recentlyCleared := !ep.clearedAt.IsZero() && now.Sub(ep.clearedAt) < d.clearedDedup
	if !hadRecent || recentlyCleared {
		d.mu.Unlock()
		return
	}
	resolved := ep.kind
	ep.clearedAt = now
	ep.lastActiveAt = time.Time{}
	d.mu.Unlock()
	d.raise(ctx, Alert{GatewayID: gw.ID, HomeID: gw.HomeID, Kind: core.AlertCleared, Resolved: resolved, At: now})
}

// Forget drops episode state for an unpaired gateway.
func (d *Detector) Forget(gatewayID uuid.UUID) {
	d.mu.Lock()
	delete(d.episodes, gatewayID)
	d.mu.Unlock()
}

func (d *Detector) raise(ctx context.Context, alert Alert) {
	metrics.AlertsRaised.WithLabelValues(string(alert.Kind)).Inc()
	slog.Warn("emergency alert", "gateway_id", alert.GatewayID, "kind", alert.Kind, "resolved", alert.Resolved)
	if d.notifier != nil {
		d.notifier.Raise(ctx, alert)
	}
	if d.hub != nil {
		d.hub.Broadcast(realtime.Event{Type: "emergency.alert", ID: alert.GatewayID.String(), Status: string(alert.Kind), Detail: string(alert.Resolved)})
	}
}

func classify(fire, gas bool) core.AlertKind {
	switch {
	case fire && gas:
		return core.AlertBoth
	case fire:
		return core.AlertFire
	case gas:
		return core.AlertGas
	default:
		return core.AlertUnknown
	}
}

func flag(snapshot map[string]any, key string) bool {
	switch v := snapshot[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "true" || v == "1" || v == "on" || v == "ON"
	}
	return false
}
