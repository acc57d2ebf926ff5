package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stored readings, labeled by source (device or cloud)
var ReadingsStored = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gasmonitor_readings_stored_total",
		Help: "The total number of stored gas readings",
	},
	[]string{"source"},
)

var PPMHistogram = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "gasmonitor_ppm_distribution",
		Help: "Distribution of stored gas concentrations (PPM)",
		// 0-29 safe, 30-49 warning, 50+ danger
		Buckets: []float64{10, 30, 50, 100, 300, 1000},
	},
	[]string{"source"},
)

var AlertsRaised = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gasmonitor_alerts_raised_total",
		Help: "The total number of raised alerts",
	},
	[]string{"level"},
)

var SyncCycles = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gasmonitor_cloud_sync_cycles_total",
		Help: "The total number of cloud sync cycles",
	},
	[]string{"result"},
)

var SyncDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "gasmonitor_cloud_sync_duration_seconds",
		Help:    "Duration of cloud sync cycles",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	},
)

var CloudRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gasmonitor_cloud_requests_total",
		Help: "The total number of requests sent to the cloud API",
	},
	[]string{"outcome"},
)

func ReadingStored(source string, ppm float64) {
	ReadingsStored.WithLabelValues(source).Inc()
	PPMHistogram.WithLabelValues(source).Observe(ppm)
}

func SyncCompleted(result string, started time.Time) {
	SyncCycles.WithLabelValues(result).Inc()
	SyncDuration.Observe(time.Since(started).Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
