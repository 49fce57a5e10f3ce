package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Daemon-specific series (C7): session pool occupancy, handshake
// latency, and dispatcher queue depth.
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codetracer_sessions_active",
		Help: "Number of trace sessions currently loaded in the daemon",
	})

	HandshakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codetracer_handshake_duration_seconds",
			Help:    "Time spent completing the DAP init handshake against a freshly spawned backend",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	DispatcherQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codetracer_dispatcher_queue_depth",
		Help: "Number of client messages currently queued for dispatch",
	})

	backendRSSBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codetracer_backend_rss_bytes",
			Help: "Last sampled RSS of a backend subprocess",
		},
		[]string{"backend"},
	)

	backendOpenFDs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codetracer_backend_open_fds",
			Help: "Last sampled open file descriptor count of a backend subprocess",
		},
		[]string{"backend"},
	)
)

// SetBackendResourceUsage records a pkg/leakdetection sample for a
// tracked backend subprocess.
func SetBackendResourceUsage(backendID string, rssBytes, openFDs float64) {
	backendRSSBytes.WithLabelValues(backendID).Set(rssBytes)
	backendOpenFDs.WithLabelValues(backendID).Set(openFDs)
}
