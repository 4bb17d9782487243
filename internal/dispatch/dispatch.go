package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"gateway-hub/internal/core"
	"gateway-hub/internal/liveness"
	"gateway-hub/internal/metrics"
	"gateway-hub/internal/mqtt"
	"gateway-hub/internal/pairing"
	"gateway-hub/internal/store"
	"gateway-hub/internal/topic"
)

// Dispatcher turns logical device commands into transport messages. Two
// delivery modes coexist: push for gateways holding a live subscription,
// and a durable poll/ack queue for gateways that only connect intermittently.
type Dispatcher struct {
	repo    *store.Repo
	mq      mqtt.ClientAPI
	tracker *liveness.Tracker

	seq atomic.Uint64 // trace ids for push messages; never acknowledged
}

func New(repo *store.Repo, mq mqtt.ClientAPI, tracker *liveness.Tracker) *Dispatcher {
	return &Dispatcher{repo: repo, mq: mq, tracker: tracker}
}

// Command is the logical instruction accepted from callers.
type Command struct {
	DeviceCode string          `json:"device_code"`
	Channel    int             `json:"channel"`
	Verb       string          `json:"verb"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// SendImmediate publishes a single fire-and-forget message on the home's
// commands channel. Refuses when the gateway is not online: the message
// would only evaporate at the broker.
func (d *Dispatcher) SendImmediate(ctx context.Context, gw *store.Gateway, cmd Command) (uint64, error) {
	if cmd.Verb == "" {
		return 0, fmt.Errorf("%w: command verb is required", core.ErrMalformedPayload)
	}
	if gw.HomeID == nil || !d.tracker.Online(gw) {
		return 0, fmt.Errorf("%w: gateway %s is not online", core.ErrUnavailable, gw.ID)
	}
	id := d.seq.Add(1)
	msg := map[string]any{
		"id":        id,
		"type":      cmd.Verb,
		"device":    cmd.DeviceCode,
		"channel":   cmd.Channel,
		"timestamp": time.Now().UTC().Unix(),
	}
	if len(cmd.Payload) > 0 {
		msg["payload"] = json.RawMessage(cmd.Payload)
	}
	b, _ := json.Marshal(msg)
	if err := d.mq.Publish(topic.Commands(gw.HomeID.String()), b); err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	metrics.CommandsDispatched.WithLabelValues("push").Inc()
	slog.Debug("command pushed", "gateway_id", gw.ID, "verb", cmd.Verb, "trace_id", id)
	return id, nil
}

// Enqueue appends a durable PendingCommand regardless of gateway liveness;
// queued commands survive gateway restarts and are delivered at-least-once
// through FetchPending/Acknowledge.
func (d *Dispatcher) Enqueue(ctx context.Context, gw *store.Gateway, cmd Command) (uuid.UUID, error) {
	row := &store.PendingCommand{
		GatewayID:  gw.ID,
		DeviceCode: cmd.DeviceCode,
		Channel:    cmd.Channel,
		Verb:       cmd.Verb,
	}
	if len(cmd.Payload) > 0 {
		row.Payload = datatypes.JSON(append([]byte(nil), cmd.Payload...))
	}
	if err := d.repo.EnqueueCommand(ctx, row); err != nil {
		return uuid.Nil, err
	}
	metrics.CommandsDispatched.WithLabelValues("queue").Inc()
	slog.Debug("command enqueued", "gateway_id", gw.ID, "command_id", row.ID, "verb", cmd.Verb)
	return row.ID, nil
}

// FetchPending returns the authenticated gateway's pending commands, oldest
// first, without mutating them: a command stays PENDING until acknowledged.
func (d *Dispatcher) FetchPending(ctx context.Context, credential string) ([]store.PendingCommand, error) {
	gw, err := d.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	return d.repo.ListPendingCommands(ctx, gw.ID)
}

// Acknowledge transitions a command to PROCESSED. Idempotent: a duplicate
// ack is a no-op success.
func (d *Dispatcher) Acknowledge(ctx context.Context, credential string, commandID uuid.UUID) error {
	gw, err := d.authenticate(ctx, credential)
	if err != nil {
		return err
	}
	return d.repo.AckCommand(ctx, gw.ID, commandID, time.Now().UTC())
}

// Fail marks a command FAILED. Failures are terminal; retry is a caller
// decision via a fresh Enqueue.
func (d *Dispatcher) Fail(ctx context.Context, credential string, commandID uuid.UUID, detail string) error {
	gw, err := d.authenticate(ctx, credential)
	if err != nil {
		return err
	}
	return d.repo.FailCommand(ctx, gw.ID, commandID, detail, time.Now().UTC())
}

// Purge deletes PROCESSED commands past the retention horizon. Scheduled
// with skip-if-running semantics; see cmd wiring.
func (d *Dispatcher) Purge(ctx context.Context, retention time.Duration) {
	horizon := time.Now().UTC().Add(-retention)
	n, err := d.repo.PurgeProcessedCommands(ctx, horizon)
	if err != nil {
		slog.Error("command purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("processed commands purged", "count", n, "older_than", horizon)
	}
}

func (d *Dispatcher) authenticate(ctx context.Context, credential string) (*store.Gateway, error) {
	gw, err := d.repo.GetGatewayByCredentialHash(ctx, pairing.HashCredential(credential))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown gateway credential", core.ErrUnauthenticated)
		}
		return nil, err
	}
	return gw, nil
}
