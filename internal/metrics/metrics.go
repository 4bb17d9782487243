package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewayhub_inbound_messages_total",
		Help: "Inbound MQTT messages by channel kind.",
	}, []string{"kind"})

	MalformedPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewayhub_malformed_payloads_total",
		Help: "Inbound payloads dropped as malformed.",
	}, []string{"kind"})

	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewayhub_commands_dispatched_total",
		Help: "Commands sent to gateways by delivery mode.",
	}, []string{"mode"})

	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewayhub_alerts_raised_total",
		Help: "Emergency alerts raised by kind.",
	}, []string{"kind"})

	CorrelationTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewayhub_correlation_timeouts_total",
		Help: "Correlated requests that timed out awaiting a response.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewayhub_http_requests_total",
		Help: "HTTP requests by endpoint, method and status.",
	}, []string{"endpoint", "method", "status"})
)
