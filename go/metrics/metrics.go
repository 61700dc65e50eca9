// Package metrics declares the prometheus collectors exported by a batch
// run. Grounded on the teacher's use of prometheus/client_golang (estuary-flow
// wires grpc-ecosystem/go-grpc-prometheus and prometheus/client_golang
// throughout go/shuffle and go/consumer); we keep the same library for the
// same concern; counter naming follows the commonly adopted `subsystem_noun_unit`
// and `_total` suffix convention that the teacher's metrics also follow.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TendersExtracted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchscrape",
		Name:      "tenders_extracted_total",
		Help:      "Tender rows extracted and written to the store, by portal.",
	}, []string{"portal"})

	TendersSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchscrape",
		Name:      "tenders_skipped_existing_total",
		Help:      "Tender rows skipped by the fast-path dedup filter, by portal.",
	}, []string{"portal"})

	ClosingDateReprocessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchscrape",
		Name:      "tenders_closing_date_reprocessed_total",
		Help:      "Tender rows whose closing date changed on re-scrape, by portal.",
	}, []string{"portal"})

	DepartmentFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "batchscrape",
		Name:      "department_fetch_duration_seconds",
		Help:      "Wall time to fetch and parse one department page.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"portal"})

	PortalRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchscrape",
		Name:      "portal_runs_total",
		Help:      "Completed portal runs, by terminal status.",
	}, []string{"status"})

	WatchdogAlarms = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchscrape",
		Name:      "watchdog_alarms_total",
		Help:      "Watchdog-triggered recovery attempts, by portal.",
	}, []string{"portal"})

	DomainInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "batchscrape",
		Name:      "domain_inflight_requests",
		Help:      "Requests currently in flight per hostname, enforced by the domain limiter.",
	}, []string{"host"})

	RateBlocksDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchscrape",
		Name:      "rate_blocks_detected_total",
		Help:      "Probable rate-block responses observed, by host.",
	}, []string{"host"})
)

// MustRegister registers every collector declared in this package against
// reg. Called once from cmd/batchscrape/main.go.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TendersExtracted,
		TendersSkipped,
		ClosingDateReprocessed,
		DepartmentFetchDuration,
		PortalRunsTotal,
		WatchdogAlarms,
		DomainInFlight,
		RateBlocksDetected,
	)
}
