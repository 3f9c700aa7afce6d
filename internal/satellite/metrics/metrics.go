// Package metrics provides Prometheus metrics for the satellite transfer
// core. Exposing the registry over HTTP is the embedding server's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all satellite metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Metrics holds the transfer core's Prometheus metrics.
type Metrics struct {
	// Transfer registry, labeled by direction (upload/download) and, for
	// terminal counts, the final state.
	TransfersActive   *prometheus.GaugeVec
	TransfersRejected *prometheus.CounterVec
	TransfersFinished *prometheus.CounterVec

	// Master replication.
	MasterReconnects prometheus.Counter
	MasterAbandoned  prometheus.Counter

	// Integrity checks by terminal outcome.
	ChecksCompleted *prometheus.CounterVec
}

// New initializes the metric set on the package registry. Call once per
// process.
func New() *Metrics {
	return &Metrics{
		TransfersActive: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "satellite_transfers_active",
			Help: "Transfers currently counting towards a slot limit",
		}, []string{"direction"}),
		TransfersRejected: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "satellite_transfers_rejected_total",
			Help: "Transfer requests rejected by admission control",
		}, []string{"direction"}),
		TransfersFinished: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "satellite_transfers_finished_total",
			Help: "Transfers that reached a terminal state",
		}, []string{"direction", "state"}),
		MasterReconnects: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "satellite_master_reconnects_total",
			Help: "Reconnection attempts to the master node",
		}),
		MasterAbandoned: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "satellite_master_transfers_abandoned_total",
			Help: "Master transfers abandoned after repeated connect failures",
		}),
		ChecksCompleted: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "satellite_integrity_checks_total",
			Help: "Integrity check jobs by terminal outcome",
		}, []string{"outcome"}),
	}
}
