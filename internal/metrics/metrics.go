// Package metrics provides Prometheus instrumentation for the chat core. It
// exposes gauges for connection and open-view counts and counters for message,
// receipt, notification and trial throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "yanyu_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OpenViews tracks channel views currently open across all connections.
	OpenViews = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "yanyu_open_views",
		Help: "Current number of open channel views",
	})

	// MessagesTotal counts send attempts by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yanyu_messages_total",
		Help: "Total number of send attempts by outcome",
	}, []string{"type"}) // type = "sent", "blocked", "failed"

	// MessageLatency records store append latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "yanyu_message_latency_seconds",
		Help:    "Message append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ReceiptsMarked counts messages marked read by the subscription engine.
	ReceiptsMarked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yanyu_read_receipts_total",
		Help: "Read receipt batch outcomes, in messages",
	}, []string{"result"}) // result = "marked", "failed"

	// NotificationsTotal counts push notifications by outcome.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yanyu_notifications_total",
		Help: "Push notifications by outcome",
	}, []string{"result"}) // result = "queued", "delivered", "failed"

	// TrialTransitions counts trial phase changes by the phase entered.
	TrialTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yanyu_trial_transitions_total",
		Help: "Trial phase transitions by phase entered",
	}, []string{"phase"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OpenViews,
		MessagesTotal,
		MessageLatency,
		ReceiptsMarked,
		NotificationsTotal,
		TrialTransitions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
