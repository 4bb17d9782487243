package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gateway-hub/internal/core"
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

type captureHazards struct {
	snapshots []map[string]any
}

func (c *captureHazards) Evaluate(_ context.Context, _ *store.Gateway, snapshot map[string]any) {
	c.snapshots = append(c.snapshots, snapshot)
}

type fixture struct {
	repo    *store.Repo
	proj    *Projector
	hazards *captureHazards
	gw      *store.Gateway
	home    *store.Home
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newTestRepo(t)
	ctx := context.Background()
	home := &store.Home{Name: "Home", OwnerID: uuid.New()}
	if err := repo.CreateHome(ctx, home); err != nil {
		t.Fatalf("create home: %v", err)
	}
	gw := &store.Gateway{Serial: "GW-" + t.Name(), State: core.StateOnline, HomeID: &home.ID}
	if err := repo.CreateGateway(ctx, gw); err != nil {
		t.Fatalf("create gateway: %v", err)
	}
	hazards := &captureHazards{}
	return &fixture{repo: repo, proj: New(repo, nil, hazards, nil), hazards: hazards, gw: gw, home: home}
}

func (f *fixture) addDevice(t *testing.T, code, typ string, channel int) *store.LogicalDevice {
	t.Helper()
	dev := &store.LogicalDevice{Code: code, HomeID: f.home.ID, GatewayID: &f.gw.ID, Channel: channel, Type: typ, Status: core.DeviceOffline}
	if err := f.repo.CreateDevice(context.Background(), dev); err != nil {
		t.Fatalf("create device %s: %v", code, err)
	}
	return dev
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *store.LogicalDevice {
	t.Helper()
	dev, err := f.repo.GetDevice(context.Background(), id)
	if err != nil {
		t.Fatalf("reload device: %v", err)
	}
	return dev
}

func deviceState(t *testing.T, dev *store.LogicalDevice) map[string]any {
	t.Helper()
	state := map[string]any{}
	if len(dev.State) > 0 {
		if err := json.Unmarshal(dev.State, &state); err != nil {
			t.Fatalf("decode state: %v", err)
		}
	}
	return state
}

func TestSnapshotActuatorOn(t *testing.T) {
	f := newFixture(t)
	dev := f.addDevice(t, "lamp", "light", 4)

	f.proj.IngestSensorSnapshot(context.Background(), f.gw, []byte(`{"lightStatus": true}`))

	got := f.reload(t, dev.ID)
	if got.Status != core.DeviceOn {
		t.Fatalf("status = %s, want %s", got.Status, core.DeviceOn)
	}
	state := deviceState(t, got)
	if state["power"] != "ON" {
		t.Fatalf("power = %v, want ON", state["power"])
	}
	if state["lightStatus"] != true {
		t.Fatalf("lightStatus = %v, want true", state["lightStatus"])
	}
}

func TestSnapshotActuatorOff(t *testing.T) {
	f := newFixture(t)
	dev := f.addDevice(t, "lamp", "light", 4)

	f.proj.IngestSensorSnapshot(context.Background(), f.gw, []byte(`{"lightStatus": false}`))

	got := f.reload(t, dev.ID)
	if got.Status != core.DeviceOff {
		t.Fatalf("status = %s, want %s", got.Status, core.DeviceOff)
	}
	if deviceState(t, got)["power"] != "OFF" {
		t.Fatalf("power should be OFF")
	}
}

func TestSnapshotChannelQualifiedKeyWins(t *testing.T) {
	f := newFixture(t)
	dev := f.addDevice(t, "lamp", "light", 4)

	f.proj.IngestSensorSnapshot(context.Background(), f.gw, []byte(`{"lightStatus": false, "lightStatus4": true}`))

	got := f.reload(t, dev.ID)
	if got.Status != core.DeviceOn {
		t.Fatalf("channel-qualified key should win, status = %s", got.Status)
	}
}

func TestSnapshotSensorValue(t *testing.T) {
	f := newFixture(t)
	dev := f.addDevice(t, "temp", "temperature", 1)

	f.proj.IngestSensorSnapshot(context.Background(), f.gw, []byte(`{"temperature": 23.5}`))

	got := f.reload(t, dev.ID)
	if got.Status != core.DeviceOnline {
		t.Fatalf("sensor should be ONLINE, got %s", got.Status)
	}
	if deviceState(t, got)["temperature"] != 23.5 {
		t.Fatalf("temperature not merged: %v", deviceState(t, got))
	}
}

func TestSnapshotFlipsOfflineDeviceWithoutReading(t *testing.T) {
	f := newFixture(t)
	// A motion sensor with no field in this snapshot still proves the link.
	dev := f.addDevice(t, "pir", "motion", 2)

	f.proj.IngestSensorSnapshot(context.Background(), f.gw, []byte(`{"temperature": 20}`))

	got := f.reload(t, dev.ID)
	if got.Status != core.DeviceOnline {
		t.Fatalf("offline device should flip online on any snapshot, got %s", got.Status)
	}
}

func TestSnapshotMalformedDropped(t *testing.T) {
	f := newFixture(t)
	dev := f.addDevice(t, "lamp", "light", 4)

	f.proj.IngestSensorSnapshot(context.Background(), f.gw, []byte(`not json`))

	got := f.reload(t, dev.ID)
	if got.Status != core.DeviceOffline {
		t.Fatalf("malformed snapshot must not touch devices, got %s", got.Status)
	}
	if len(f.hazards.snapshots) != 0 {
		t.Fatalf("malformed snapshot must not reach hazard evaluation")
	}
}

func TestSnapshotStoredOnGateway(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"temperature": 21}`)

	f.proj.IngestSensorSnapshot(context.Background(), f.gw, raw)

	gw, err := f.repo.GetGateway(context.Background(), f.gw.ID)
	if err != nil {
		t.Fatalf("reload gateway: %v", err)
	}
	if string(gw.Snapshot) != string(raw) {
		t.Fatalf("snapshot = %s, want raw payload verbatim", gw.Snapshot)
	}
	if len(f.hazards.snapshots) != 1 {
		t.Fatalf("hazard evaluation not invoked")
	}
}

func TestStatusEventChannelFirst(t *testing.T) {
	f := newFixture(t)
	byChannel := f.addDevice(t, "lamp-a", "light", 4)
	// Same code-shaped payload should not hit this one.
	f.addDevice(t, "lamp-b", "light", 5)

	ch := 4
	raw, _ := json.Marshal(StatusEvent{Channel: &ch, DeviceCode: "lamp-b", Value: json.RawMessage(`true`)})
	f.proj.IngestStatusEvent(context.Background(), f.gw, raw)

	got := f.reload(t, byChannel.ID)
	if got.Status != core.DeviceOn {
		t.Fatalf("channel target not updated, status = %s", got.Status)
	}
}

func TestStatusEventCodeFallback(t *testing.T) {
	f := newFixture(t)
	dev := f.addDevice(t, "door-main", "door", 7)

	raw := []byte(`{"device": "door-main", "value": "open"}`)
	f.proj.IngestStatusEvent(context.Background(), f.gw, raw)

	got := f.reload(t, dev.ID)
	if got.Status != core.DeviceOn {
		t.Fatalf("door open should map to On, got %s", got.Status)
	}
	if deviceState(t, got)["doorStatus"] != "open" {
		t.Fatalf("doorStatus not merged: %v", deviceState(t, got))
	}
}

func TestStatusEventUnknownTargetDropped(t *testing.T) {
	f := newFixture(t)
	f.proj.IngestStatusEvent(context.Background(), f.gw, []byte(`{"device": "ghost", "value": 1}`))
	// Nothing to assert beyond not panicking and not creating rows.
	devices, err := f.repo.ListDevicesByHome(context.Background(), f.home.ID)
	if err != nil || len(devices) != 0 {
		t.Fatalf("unexpected devices: %v %v", devices, err)
	}
}

func TestUnknownDeviceTypeGetsValueKey(t *testing.T) {
	f := newFixture(t)
	dev := f.addDevice(t, "widget", "exotic", 9)

	ch := 9
	raw, _ := json.Marshal(StatusEvent{Channel: &ch, Value: json.RawMessage(`42`)})
	f.proj.IngestStatusEvent(context.Background(), f.gw, raw)

	got := f.reload(t, dev.ID)
	if got.Status != core.DeviceOnline {
		t.Fatalf("unknown type should report ONLINE, got %s", got.Status)
	}
	if deviceState(t, got)["value"] != float64(42) {
		t.Fatalf("value key not merged: %v", deviceState(t, got))
	}
}
