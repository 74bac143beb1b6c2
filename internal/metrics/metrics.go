// Package metrics exposes Prometheus collectors for the notification
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_events_total",
			Help: "Inbound change events by kind and admission outcome",
		},
		[]string{"kind", "outcome"},
	)

	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_mutations_total",
			Help: "User-initiated mutations by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_rollbacks_total",
			Help: "Optimistic mutation rollbacks by action",
		},
		[]string{"action"},
	)

	syncMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_sync_messages_total",
			Help: "Cross-session sync messages by direction and result",
		},
		[]string{"direction", "result"},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_reconnects_total",
			Help: "Event source reconnection attempts",
		},
	)

	unreadCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_unread_count",
			Help: "Current denormalized unread notification count",
		},
	)

	connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_connected",
			Help: "1 when the live event subscription is active",
		},
	)

	circuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyd_circuit_open",
			Help: "1 when the circuit breaker for a class is open",
		},
		[]string{"class"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Event admission outcomes.
const (
	OutcomeAdmitted   = "admitted"
	OutcomeBlocked    = "blocked"
	OutcomePolicyDrop = "policy_drop"
	OutcomeStaleDrop  = "stale_drop"
	OutcomeMalformed  = "malformed"
)

// RecordEvent records one inbound event's admission outcome.
func RecordEvent(kind, outcome string) {
	eventsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordMutation records a user mutation result ("confirmed", "failed",
// "rejected").
func RecordMutation(action, outcome string) {
	mutationsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordRollback records an optimistic rollback.
func RecordRollback(action string) {
	rollbacksTotal.WithLabelValues(action).Inc()
}

// RecordSyncMessage records a sync bus message ("in"/"out",
// "applied"/"published"/"stale"/"echo"/"unknown_id"/"error").
func RecordSyncMessage(direction, result string) {
	syncMessagesTotal.WithLabelValues(direction, result).Inc()
}

// RecordReconnect records one reconnection attempt.
func RecordReconnect() {
	reconnectsTotal.Inc()
}

// SetUnreadCount sets the unread count gauge.
func SetUnreadCount(n int) {
	unreadCount.Set(float64(n))
}

// SetConnected sets the subscription gauge.
func SetConnected(v bool) {
	if v {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

// SetCircuitOpen sets the per-class breaker gauge.
func SetCircuitOpen(class string, open bool) {
	if open {
		circuitOpen.WithLabelValues(class).Set(1)
	} else {
		circuitOpen.WithLabelValues(class).Set(0)
	}
}
