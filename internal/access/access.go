package access

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gateway-hub/internal/core"
	"gateway-hub/internal/correlation"
	"gateway-hub/internal/metrics"
	"gateway-hub/internal/mqtt"
	"gateway-hub/internal/pairing"
	"gateway-hub/internal/store"
	"gateway-hub/internal/topic"
)

// Service implements the badge/RFID sub-protocol: an append-only access log
// fed from the gateway, and an on-demand correlated query for the card
// registrations the gateway holds locally.
type Service struct {
	repo    *store.Repo
	mq      mqtt.ClientAPI
	corr    *correlation.Store
	timeout time.Duration
}

func New(repo *store.Repo, mq mqtt.ClientAPI, corr *correlation.Store, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{repo: repo, mq: mq, corr: corr, timeout: timeout}
}

// Report is the access decision the gateway publishes after a badge scan.
type Report struct {
	Credential string `json:"credential"`
	Tag        string `json:"tag"`
	Granted    bool   `json:"granted"`
	Status     string `json:"status"`
	Timestamp  *int64 `json:"timestamp,omitempty"` // device clock, unix seconds
}

// HandleReport ingests one access report. Like all ingestion paths it
// swallows bad input: a malformed or unauthenticated report is logged and
// dropped, never an error to the router.
func (s *Service) HandleReport(ctx context.Context, homeID string, raw []byte) {
	var rep Report
	if err := json.Unmarshal(raw, &rep); err != nil || rep.Tag == "" {
		metrics.MalformedPayloads.WithLabelValues("rfid/access").Inc()
		slog.Warn("access report unmarshal failed", "home_id", homeID, "error", err)
		return
	}
	gw, err := s.repo.GetGatewayByCredentialHash(ctx, pairing.HashCredential(rep.Credential))
	if err != nil {
		slog.Warn("access report credential rejected", "home_id", homeID)
		return
	}
	if gw.HomeID == nil || gw.HomeID.String() != homeID {
		slog.Warn("access report home mismatch", "gateway_id", gw.ID, "topic_home", homeID)
		return
	}
	evt := &store.AccessEvent{
		GatewayID: gw.ID,
		HomeID:    *gw.HomeID,
		TagID:     rep.Tag,
		Granted:   rep.Granted,
		Status:    rep.Status,
	}
	if rep.Timestamp != nil {
		t := time.Unix(*rep.Timestamp, 0).UTC()
		evt.DeviceTS = &t
	}
	if err := s.repo.InsertAccessEvent(ctx, evt); err != nil {
		slog.Error("access event insert failed", "gateway_id", gw.ID, "error", err)
		return
	}
	slog.Info("access event recorded", "gateway_id", gw.ID, "tag", rep.Tag, "granted", rep.Granted)
}

// Card is one registration held on the gateway.
type Card struct {
	Tag   string `json:"tag"`
	Slot  int    `json:"slot"`
	Label string `json:"label,omitempty"`
}

// ListCardRegistrations asks the gateway for its current card table via a
// correlated request/response exchange: open a slot, publish the request
// carrying the id, await the echo. Timeout surfaces as Unavailable with no
// partial result.
func (s *Service) ListCardRegistrations(ctx context.Context, gw *store.Gateway) ([]Card, error) {
	if gw.HomeID == nil {
		return nil, fmt.Errorf("%w: gateway %s is not paired to a home", core.ErrInvalidState, gw.ID)
	}
	requestID := uuid.NewString()
	slot := s.corr.Open(requestID)
	b, _ := json.Marshal(map[string]any{
		"id":         requestID,
		"request_id": requestID,
		"type":       "card.list",
		"timestamp":  time.Now().UTC().Unix(),
	})
	if err := s.mq.Publish(topic.RFIDCommands(gw.HomeID.String()), b); err != nil {
		return nil, fmt.Errorf("%w: publish failed: %v", core.ErrUnavailable, err)
	}
	payload, err := s.corr.Await(ctx, slot, s.timeout)
	if err != nil {
		metrics.CorrelationTimeouts.Inc()
		return nil, err
	}
	var resp struct {
		Cards []Card `json:"cards"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: card list response: %v", core.ErrMalformedPayload, err)
	}
	return resp.Cards, nil
}

// ListEvents returns the most recent access log entries for a gateway.
func (s *Service) ListEvents(ctx context.Context, gatewayID uuid.UUID, limit int) ([]store.AccessEvent, error) {
	return s.repo.ListAccessEvents(ctx, gatewayID, limit)
}
