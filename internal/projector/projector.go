package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gateway-hub/internal/core"
	"gateway-hub/internal/metrics"
	"gateway-hub/internal/realtime"
	"gateway-hub/internal/store"
)

// HazardSink receives every successfully parsed snapshot for emergency
// evaluation.
type HazardSink interface {
	Evaluate(ctx context.Context, gw *store.Gateway, snapshot map[string]any)
}

// Projector turns raw sensor payloads into per-device status and state.
// Merges are idempotent per field and last-write-wins; a stale snapshot may
// transiently re-apply an old value, which is an accepted tradeoff.
type Projector struct {
	repo    *store.Repo
	cache   *store.SnapshotCache
	hazards HazardSink
	hub     *realtime.Hub
}

func New(repo *store.Repo, cache *store.SnapshotCache, hazards HazardSink, hub *realtime.Hub) *Projector {
	return &Projector{repo: repo, cache: cache, hazards: hazards, hub: hub}
}

// fieldSpec maps a declared device type to its payload field. Actuator
// classes derive On/Off instead of Online.
type fieldSpec struct {
	field    string
	actuator bool
}

var pinFields = map[string]fieldSpec{
	"light":       {"lightStatus", true},
	"fan":         {"fanStatus", true},
	"door":        {"doorStatus", true},
	"temperature": {"temperature", false},
	"humidity":    {"humidity", false},
	"gas":         {"gasStatus", false},
	"fire":        {"fireStatus", false},
	"motion":      {"motionStatus", false},
}

// IngestSensorSnapshot processes one periodic snapshot. Sensor noise must
// never crash the pipeline: malformed payloads are counted, logged and
// dropped. The raw payload is stored verbatim as the gateway's snapshot
// before any per-device work.
func (p *Projector) IngestSensorSnapshot(ctx context.Context, gw *store.Gateway, raw []byte) {
	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		metrics.MalformedPayloads.WithLabelValues("sensors").Inc()
		slog.Warn("sensor snapshot unmarshal failed", "gateway_id", gw.ID, "error", err)
		return
	}
	if p.cache != nil {
		if err := p.cache.Set(ctx, gw.ID.String(), raw); err != nil {
			slog.Debug("snapshot cache set failed", "gateway_id", gw.ID, "error", err)
		}
	}
	if err := p.repo.SaveGatewaySnapshot(ctx, gw.ID, raw); err != nil {
		slog.Warn("snapshot save failed", "gateway_id", gw.ID, "error", err)
	}
	if gw.HomeID == nil {
		slog.Debug("snapshot from homeless gateway", "gateway_id", gw.ID)
		return
	}

	devices, err := p.repo.ListDevicesByHome(ctx, *gw.HomeID)
	if err != nil {
		slog.Error("snapshot device list failed", "gateway_id", gw.ID, "error", err)
		return
	}
	for i := range devices {
		dev := &devices[i]
		value, ok := lookupChannelField(snapshot, dev)
		if !ok {
			// Any snapshot proves the physical link is alive.
			if dev.Status == core.DeviceOffline || dev.Status == "" {
				if err := p.repo.SetDeviceStatus(ctx, dev.ID, core.DeviceOnline); err != nil {
					slog.Warn("device status update failed", "device_id", dev.ID, "error", err)
				} else {
					p.emit(dev.ID.String(), core.DeviceOnline)
				}
			}
			continue
		}
		p.applyField(ctx, dev, value)
	}

	if p.hazards != nil {
		p.hazards.Evaluate(ctx, gw, snapshot)
	}
}

// StatusEvent is an immediate, out-of-band device state change (e.g. a door
// that auto-closed) rather than a periodic snapshot.
type StatusEvent struct {
	Channel    *int            `json:"channel,omitempty"`
	DeviceCode string          `json:"device,omitempty"`
	Value      json.RawMessage `json:"value"`
}

// IngestStatusEvent resolves the target device by channel id first, device
// code second, and updates only that device. Unknown targets are logged and
// dropped rather than erroring.
func (p *Projector) IngestStatusEvent(ctx context.Context, gw *store.Gateway, raw []byte) {
	var evt StatusEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		metrics.MalformedPayloads.WithLabelValues("device-status").Inc()
		slog.Warn("status event unmarshal failed", "gateway_id", gw.ID, "error", err)
		return
	}
	dev, err := p.resolveTarget(ctx, gw, evt)
	if err != nil {
		slog.Warn("status event target unresolved", "gateway_id", gw.ID, "channel", evt.Channel, "device", evt.DeviceCode, "error", err)
		return
	}
	var value any
	if len(evt.Value) > 0 {
		if err := json.Unmarshal(evt.Value, &value); err != nil {
			metrics.MalformedPayloads.WithLabelValues("device-status").Inc()
			slog.Warn("status event value unmarshal failed", "device_id", dev.ID, "error", err)
			return
		}
	}
	p.applyField(ctx, dev, value)
}

// resolveTarget prefers the channel id; the code lookup is a legacy fallback
// for gateways that predate channel reporting.
func (p *Projector) resolveTarget(ctx context.Context, gw *store.Gateway, evt StatusEvent) (*store.LogicalDevice, error) {
	if evt.Channel != nil {
		if dev, err := p.repo.GetDeviceByChannel(ctx, gw.ID, *evt.Channel); err == nil {
			return dev, nil
		}
	}
	if evt.DeviceCode != "" && gw.HomeID != nil {
		return p.repo.GetDeviceByCode(ctx, *gw.HomeID, evt.DeviceCode)
	}
	return nil, fmt.Errorf("%w: no channel or device code matched", core.ErrNotFound)
}

// applyField merges one field value into the device state and derives the
// status: actuators flip On/Off, everything else just proves Online.
func (p *Projector) applyField(ctx context.Context, dev *store.LogicalDevice, value any) {
	spec, known := pinFields[strings.ToLower(dev.Type)]
	patch := map[string]any{}
	status := core.DeviceOnline
	if known {
		patch[spec.field] = value
		if spec.actuator {
			if coerceBool(value) {
				status = core.DeviceOn
				patch["power"] = "ON"
			} else {
				status = core.DeviceOff
				patch["power"] = "OFF"
			}
		}
	} else {
		patch["value"] = value
	}
	if err := p.repo.MergeDeviceState(ctx, dev.ID, status, patch); err != nil {
		slog.Warn("device state merge failed", "device_id", dev.ID, "error", err)
		return
	}
	if dev.Status != status {
		p.emit(dev.ID.String(), status)
	}
}

// lookupChannelField finds the device's reading in a snapshot. The
// channel-qualified key ("lightStatus4") wins over the bare legacy key;
// unknown device types have no mapping and are skipped.
func lookupChannelField(snapshot map[string]any, dev *store.LogicalDevice) (any, bool) {
	spec, ok := pinFields[strings.ToLower(dev.Type)]
	if !ok {
		return nil, false
	}
	if v, ok := snapshot[spec.field+strconv.Itoa(dev.Channel)]; ok {
		return v, true
	}
	if v, ok := snapshot[spec.field]; ok {
		return v, true
	}
	return nil, false
}

func (p *Projector) emit(id string, status core.DeviceStatus) {
	if p.hub == nil {
		return
	}
	p.hub.Broadcast(realtime.Event{Type: "device.status", ID: id, Status: string(status)})
}

func coerceBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		s := strings.TrimSpace(strings.ToLower(val))
		return s == "on" || s == "true" || s == "1" || s == "yes" || s == "open"
	case float64:
		return val != 0
	case int:
		return val != 0
	}
	return false
}
