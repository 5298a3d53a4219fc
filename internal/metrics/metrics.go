// Package metrics exposes the service's Prometheus instrumentation.
// Pulled in from the runZeroInc sibling repos' own dependency on
// client_golang, the pack's only metrics library, so every long-lived
// component here gets a gauge or counter rather than going unobserved.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolClients tracks live session count per pool, labeled by pool id.
var PoolClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "atcfand_pool_clients",
	Help: "Current number of connected clients per pool.",
}, []string{"pool"})

// BusRecordsTotal counts every traffic record a pool has pulled off the
// internal bus, across all pools.
var BusRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atcfand_bus_records_total",
	Help: "Total traffic records received from the internal bus.",
})

// IngestRecordsTotal counts records successfully produced by each
// ingestion adapter, labeled by source ("ogn", "adsbhub").
var IngestRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atcfand_ingest_records_total",
	Help: "Total traffic records produced per ingestion adapter.",
}, []string{"source"})

// Handler returns the HTTP handler serving the Prometheus exposition
// format, wired onto an internal-only listener by cmd/atcfand.
func Handler() http.Handler {
	return promhttp.Handler()
}
