package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftline_fetches_total",
		Help: "Total list/entity fetches by kind and outcome",
	}, []string{"kind", "outcome"})
	FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "driftline_fetch_duration_seconds",
		Help:    "Fetch duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	Merges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftline_merges_total",
		Help: "Total records merged into the store",
	})
	InvalidDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftline_invalid_items_total",
		Help: "Total payload items dropped by schema validation",
	}, []string{"kind"})
	StreamEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftline_stream_events_total",
		Help: "Total stream events handled by event tag",
	}, []string{"event"})
	StreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftline_stream_reconnects_total",
		Help: "Total stream reconnect attempts",
	})
	RecordsResident = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driftline_records_resident",
		Help: "Records currently resident in the store by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(Fetches, FetchDuration, Merges, InvalidDropped, StreamEvents, StreamReconnects, RecordsResident)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, nil) }()
}

// ObserveFetchDuration records one fetch duration.
func ObserveFetchDuration(start time.Time) {
	FetchDuration.Observe(time.Since(start).Seconds())
}
