// Package metrics exposes Prometheus collectors for ingest, dispatch and the
// chat connection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

var (
	ingestMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firewatch_ingest_messages_total",
		Help: "Bus messages received by topic and outcome",
	}, []string{"topic", "outcome"}) // outcome=accepted|malformed|duplicate|ignored|dropped

	dispatchSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firewatch_dispatch_sends_total",
		Help: "Per-recipient delivery attempts by category and outcome",
	}, []string{"category", "outcome"}) // outcome=success|failure|unverified

	alertsSuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firewatch_alerts_suppressed_total",
		Help: "Alerts not delivered by category and reason",
	}, []string{"category", "reason"}) // reason=cooldown|not_connected|no_recipients

	evidenceResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firewatch_evidence_resolve_total",
		Help: "Evidence photo resolutions by source",
	}, []string{"source"}) // source=full_path|relative|remote|unavailable

	connectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "firewatch_chat_connection_status",
		Help: "Chat channel connection status (1 for the current status)",
	}, []string{"status"})
)

var allStatuses = []string{
	protocol.StatusDisconnected,
	protocol.StatusConnecting,
	protocol.StatusAwaitingQR,
	protocol.StatusAwaitingPairing,
	protocol.StatusQRExpired,
	protocol.StatusSyncing,
	protocol.StatusConnected,
	protocol.StatusError,
}

// IncIngest records one received bus message.
func IncIngest(topic, outcome string) {
	if topic == "" {
		topic = "unknown"
	}
	ingestMessagesTotal.WithLabelValues(topic, outcome).Inc()
}

// IncSend records one per-recipient delivery attempt.
func IncSend(category, outcome string) {
	dispatchSendsTotal.WithLabelValues(category, outcome).Inc()
}

// IncSuppressed records an alert that was dropped before fan-out.
func IncSuppressed(category, reason string) {
	alertsSuppressedTotal.WithLabelValues(category, reason).Inc()
}

// IncEvidence records how an evidence photo was resolved.
func IncEvidence(source string) {
	if source == "" {
		source = "unavailable"
	}
	evidenceResolveTotal.WithLabelValues(source).Inc()
}

// SetConnectionStatus marks status as current and zeroes the rest.
func SetConnectionStatus(status string) {
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		connectionStatus.WithLabelValues(s).Set(v)
	}
}
