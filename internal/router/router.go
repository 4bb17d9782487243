package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	paho "github.com/eclipse/paho.mqtt.golang"

	"gateway-hub/internal/access"
	"gateway-hub/internal/core"
	"gateway-hub/internal/correlation"
	"gateway-hub/internal/liveness"
	"gateway-hub/internal/metrics"
	"gateway-hub/internal/mqtt"
	"gateway-hub/internal/pairing"
	"gateway-hub/internal/projector"
	"gateway-hub/internal/store"
	"gateway-hub/internal/topic"
)

// Router owns the single broker subscription and dispatches each inbound
// message, decoded once, to the component that handles its channel kind.
// Every message runs on its own goroutine so a slow gateway stream never
// blocks another, and a correlated response never deadlocks against the
// caller awaiting it.
type Router struct {
	mq        mqtt.ClientAPI
	repo      *store.Repo
	tracker   *liveness.Tracker
	projector *projector.Projector
	access    *access.Service
	corr      *correlation.Store
}

func New(mq mqtt.ClientAPI, repo *store.Repo, tracker *liveness.Tracker, proj *projector.Projector, acc *access.Service, corr *correlation.Store) *Router {
	return &Router{mq: mq, repo: repo, tracker: tracker, projector: proj, access: acc, corr: corr}
}

func (r *Router) Start(ctx context.Context) error {
	if err := r.mq.Subscribe(topic.Namespace+"/#", r.handle); err != nil {
		return err
	}
	slog.Info("router subscribed", "pattern", topic.Namespace+"/#")
	return nil
}

func (r *Router) handle(_ paho.Client, m paho.Message) {
	payload := append([]byte(nil), m.Payload()...)
	go r.Dispatch(context.Background(), m.Topic(), payload)
}

// inbound is the tagged decode of one message; exactly one branch is set.
type inbound struct {
	kind      topic.Kind
	homeID    string
	requestID string
	payload   []byte
}

// Dispatch routes one raw message. Exported for tests and for transports
// that deliver outside the paho callback.
func (r *Router) Dispatch(ctx context.Context, topicName string, payload []byte) {
	msg := decode(topicName, payload)

	// A response echoing a pending request id completes the correlation slot
	// and goes no further, regardless of which channel carried it.
	if msg.requestID != "" && r.corr.Complete(msg.requestID, msg.payload) {
		metrics.InboundMessages.WithLabelValues("response").Inc()
		return
	}

	switch msg.kind {
	case topic.KindStatus:
		metrics.InboundMessages.WithLabelValues("status").Inc()
		r.handleHeartbeat(ctx, msg)
	case topic.KindSensors:
		metrics.InboundMessages.WithLabelValues("sensors").Inc()
		r.handleSensors(ctx, msg)
	case topic.KindDeviceStatus:
		metrics.InboundMessages.WithLabelValues("device-status").Inc()
		r.handleDeviceStatus(ctx, msg)
	case topic.KindRFIDAccess:
		metrics.InboundMessages.WithLabelValues("rfid/access").Inc()
		r.access.HandleReport(ctx, msg.homeID, msg.payload)
	default:
		// Our own outbound channels (commands, pairing) also match the
		// wildcard; nothing to do for them.
	}
}

func decode(topicName string, payload []byte) inbound {
	homeID, kind := topic.Parse(topicName)
	msg := inbound{kind: kind, homeID: homeID, payload: payload}
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil {
		msg.requestID = probe.RequestID
	}
	return msg
}

func (r *Router) handleHeartbeat(ctx context.Context, msg inbound) {
	var hb liveness.Heartbeat
	if err := json.Unmarshal(msg.payload, &hb); err != nil || hb.Credential == "" {
		metrics.MalformedPayloads.WithLabelValues("status").Inc()
		slog.Warn("heartbeat unmarshal failed", "home_id", msg.homeID, "error", err)
		return
	}
	if _, err := r.tracker.RecordHeartbeat(ctx, hb); err != nil {
		if errors.Is(err, core.ErrUnauthenticated) {
			slog.Warn("heartbeat credential rejected", "home_id", msg.homeID)
			return
		}
		slog.Error("heartbeat processing failed", "home_id", msg.homeID, "error", err)
	}
}

// sensorEnvelope wraps periodic snapshots: the credential authenticates the
// gateway, data is the raw reading payload stored and projected.
type sensorEnvelope struct {
	Credential string          `json:"credential"`
	Data       json.RawMessage `json:"data"`
}

func (r *Router) handleSensors(ctx context.Context, msg inbound) {
	var env sensorEnvelope
	if err := json.Unmarshal(msg.payload, &env); err != nil || env.Credential == "" || len(env.Data) == 0 {
		metrics.MalformedPayloads.WithLabelValues("sensors").Inc()
		slog.Warn("sensor envelope unmarshal failed", "home_id", msg.homeID, "error", err)
		return
	}
	gw, err := r.repo.GetGatewayByCredentialHash(ctx, pairing.HashCredential(env.Credential))
	if err != nil {
		slog.Warn("sensor snapshot credential rejected", "home_id", msg.homeID)
		return
	}
	r.projector.IngestSensorSnapshot(ctx, gw, env.Data)
}

func (r *Router) handleDeviceStatus(ctx context.Context, msg inbound) {
	var env struct {
		Credential string `json:"credential"`
	}
	if err := json.Unmarshal(msg.payload, &env); err != nil || env.Credential == "" {
		metrics.MalformedPayloads.WithLabelValues("device-status").Inc()
		slog.Warn("status event envelope unmarshal failed", "home_id", msg.homeID, "error", err)
		return
	}
	gw, err := r.repo.GetGatewayByCredentialHash(ctx, pairing.HashCredential(env.Credential))
	if err != nil {
		slog.Warn("status event credential rejected", "home_id", msg.homeID)
		return
	}
	r.projector.IngestStatusEvent(ctx, gw, msg.payload)
}
