package emergency

import (
	"context"
	"encoding/json"
	"log/slog"

	"gateway-hub/internal/mqtt"
	"gateway-hub/internal/topic"
)

// BrokerNotifier republishes alerts on the home's alert channel so that
// sirens, dashboards and downstream notification services can react.
// Delivery is best effort with bounded retries; an alert the broker will
// not take is logged and dropped.
type BrokerNotifier struct {
	mq mqtt.ClientAPI
}

func NewBrokerNotifier(mq mqtt.ClientAPI) *BrokerNotifier {
	return &BrokerNotifier{mq: mq}
}

func (n *BrokerNotifier) Raise(ctx context.Context, alert Alert) {
	if alert.HomeID == nil {
		slog.Warn("alert from homeless gateway not published", "gateway_id", alert.GatewayID, "kind", alert.Kind)
		return
	}
	b, _ := json.Marshal(map[string]any{
		"gateway_id": alert.GatewayID,
		"kind":       alert.Kind,
		"resolved":   alert.Resolved,
		"timestamp":  alert.At.Unix(),
	})
	if err := n.mq.PublishWith(topic.Alerts(alert.HomeID.String()), b, true); err != nil {
		slog.Error("alert publish failed", "gateway_id", alert.GatewayID, "kind", alert.Kind, "error", err)
	}
}
