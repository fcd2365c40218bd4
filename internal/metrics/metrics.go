// Package metrics defines the Prometheus collectors shared by the agent and the API server.
//
// Collectors register with the default registry at package init; serve them with Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "registry"

// Sync pass results.
const (
	ResultSynced  = "synced"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// SyncPassesTotal counts merge passes per collection.
// Labels:
//   - collection: collection name
//   - result: synced, skipped (offline) or failed (remote snapshot unavailable)
var SyncPassesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_passes_total",
		Help:      "Total number of collection merge passes.",
	},
	[]string{"collection", "result"},
)

// SyncRecordFailuresTotal counts per-record push failures absorbed during merges.
// Labels:
//   - collection: collection name
//   - operation: update or create
var SyncRecordFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_record_failures_total",
		Help:      "Total number of record pushes that failed and were kept for retry.",
	},
	[]string{"collection", "operation"},
)

// ConnectivityOnline is 1 while the remote store answers liveness probes.
var ConnectivityOnline = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connectivity_online",
		Help:      "Whether the remote collection store is reachable (1) or not (0).",
	},
)

// SessionRefreshesTotal counts token refresh attempts.
// Label:
//   - result: ok, failed (session ended) or unavailable (server unreachable, session kept)
var SessionRefreshesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_refreshes_total",
		Help:      "Total number of bearer token refresh attempts.",
	},
	[]string{"result"},
)

// RevocationChecksTotal counts server-side revocation lookups.
// Label:
//   - result: valid, revoked, degraded (failure tolerated) or failed
var RevocationChecksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "revocation_checks_total",
		Help:      "Total number of token revocation checks.",
	},
	[]string{"result"},
)

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
