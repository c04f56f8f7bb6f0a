// Package metrics exposes prometheus instrumentation for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FlushRequests counts per-record write requests by result
	// (ok, timeout, requeued, dropped).
	FlushRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetsync_flush_requests_total",
		Help: "Per-record write requests issued by the batch flusher",
	}, []string{"result"})

	// WriteDuration observes how long row store writes take.
	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sheetsync_write_duration_seconds",
		Help:    "Duration of row store write requests",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	})

	// PendingMutations tracks how many records have unflushed edits.
	PendingMutations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sheetsync_pending_mutations",
		Help: "Records with queued, unflushed edits",
	})

	// Refreshes counts reconciliation outcomes
	// (applied, unchanged, skipped_pending, rate_limited, error, dropped).
	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetsync_refresh_total",
		Help: "Refresh attempts by outcome",
	}, []string{"result"})

	// TransportState is the numeric transport state (0 polling-only ... 4 push-disabled).
	TransportState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sheetsync_transport_state",
		Help: "Realtime transport state machine position",
	})

	// PushReconnects counts scheduled push reconnect attempts.
	PushReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsync_push_reconnects_total",
		Help: "Push channel reconnect attempts scheduled",
	})

	// PushClients tracks open push subscriptions on the hub side.
	PushClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sheetsync_push_clients",
		Help: "Connected push channel subscribers",
	})

	// APIRequests counts row store API requests served, by method and status code.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetsync_api_requests_total",
		Help: "Row store API requests served",
	}, []string{"method", "code"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
