// Package metrics exposes the agent's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "progress_agent"

var (
	// Registry holds the agent's collectors.
	Registry = prometheus.NewRegistry()

	updateChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "checks_total",
			Help:      "Manifest checks by outcome.",
		},
		[]string{"result"},
	)

	manifestFetches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "manifest_fetches_total",
			Help:      "Network fetches of the update manifest.",
		},
	)

	updatePhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "phase",
			Help:      "1 for the orchestrator's current phase, 0 otherwise.",
		},
		[]string{"phase"},
	)

	notificationsShown = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "shown_total",
			Help:      "Notifications displayed by payload type.",
		},
		[]string{"type"},
	)

	notificationClicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "clicks_total",
			Help:      "Notification clicks by action.",
		},
		[]string{"action"},
	)

	eventsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "events_total",
			Help:      "Agent events by kind and outcome.",
		},
		[]string{"kind", "result"},
	)

	pendingDeliveries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "pending",
			Help:      "Entries waiting in the retry queue.",
		},
	)

	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Redelivery attempts by outcome.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		updateChecks,
		manifestFetches,
		updatePhase,
		notificationsShown,
		notificationClicks,
		eventsHandled,
		pendingDeliveries,
		deliveries,
	)
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordCheck(result string) {
	updateChecks.WithLabelValues(result).Inc()
}

func RecordManifestFetch() {
	manifestFetches.Inc()
}

// SetPhase marks phase as current and clears the others.
func SetPhase(phase string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		updatePhase.WithLabelValues(p).Set(v)
	}
}

func RecordNotification(kind string) {
	notificationsShown.WithLabelValues(kind).Inc()
}

func RecordClick(action string) {
	if action == "" {
		action = "default"
	}
	notificationClicks.WithLabelValues(action).Inc()
}

func RecordEvent(kind, result string) {
	eventsHandled.WithLabelValues(kind, result).Inc()
}

func SetPending(n int) {
	pendingDeliveries.Set(float64(n))
}

func RecordDelivery(result string) {
	deliveries.WithLabelValues(result).Inc()
}
