// Package metrics defines the daemon's Prometheus series and the HTTP
// server that exposes them. Grounded on the teacher's
// internal/metrics/metrics.go (promauto registration + a dedicated
// /metrics + /health HTTP server via prometheus/client_golang); the
// series themselves are renamed from log-pipeline concerns to daemon
// concerns the way daemon_metrics.go's session/handshake series already
// are. Only series an actual caller observes are kept — see
// DESIGN.md's grounding ledger for what was trimmed and why.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// DiskUsageBytes is sampled once per ct/open-trace by
	// internal/dispatcher.sampleDiskUsage, reporting the filesystem usage
	// backing the trace directory being opened.
	DiskUsageBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codetracer_disk_usage_bytes",
			Help: "Disk usage in bytes of the filesystem backing an opened trace directory",
		},
		[]string{"mount_point", "device"},
	)

	// Deduplication metrics, reused as-is by
	// pkg/deduplication.DeduplicationManager for the open-trace
	// debounce cache (spec §4.7's rapid-repeat ct/open-trace handling).
	DeduplicationCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codetracer_deduplication_cache_size",
			Help: "Current size of the open-trace debounce cache",
		},
	)

	DeduplicationCacheHitRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codetracer_deduplication_hit_rate",
			Help: "Open-trace debounce cache hit rate (0.0 to 1.0)",
		},
	)

	DeduplicationDuplicateRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codetracer_deduplication_duplicate_rate",
			Help: "Rate of debounced duplicate ct/open-trace calls (0.0 to 1.0)",
		},
	)

	DeduplicationCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codetracer_deduplication_cache_evictions_total",
			Help: "Total debounce cache evictions (LRU or TTL expiration)",
		},
	)
)

var metricsRegisteredOnce sync.Once

// safeRegister registers collector, ignoring a duplicate-registration
// panic (NewMetricsServer may be constructed more than once in tests).
func safeRegister(collector prometheus.Collector) {
	defer func() { recover() }()
	prometheus.MustRegister(collector)
}

// SessionsLister is the daemon's session-table view for the
// /debug/sessions introspection endpoint; internal/dispatcher.Daemon
// satisfies it without this package importing dispatcher back.
type SessionsLister interface {
	DebugSessionsJSON() ([]byte, error)
}

// MetricsServer serves /metrics (Prometheus), /health, and, once a
// SessionsLister is attached, /debug/sessions.
type MetricsServer struct {
	server   *http.Server
	logger   *logrus.Logger
	sessions SessionsLister
}

// NewMetricsServer builds a metrics server bound to addr. Call
// AttachSessions before Start to enable /debug/sessions.
func NewMetricsServer(addr string, logger *logrus.Logger) *MetricsServer {
	metricsRegisteredOnce.Do(func() {
		safeRegister(DiskUsageBytes)
		safeRegister(DeduplicationCacheSize)
		safeRegister(DeduplicationCacheHitRate)
		safeRegister(DeduplicationDuplicateRate)
		safeRegister(DeduplicationCacheEvictions)
		safeRegister(SessionsActive)
		safeRegister(HandshakeDuration)
		safeRegister(DispatcherQueueDepthGauge)
		safeRegister(backendRSSBytes)
		safeRegister(backendOpenFDs)
	})

	ms := &MetricsServer{logger: logger}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/debug/sessions", func(w http.ResponseWriter, r *http.Request) {
		if ms.sessions == nil {
			http.Error(w, "session introspection not attached", http.StatusServiceUnavailable)
			return
		}
		body, err := ms.sessions.DebugSessionsJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}).Methods(http.MethodGet)

	ms.server = &http.Server{Addr: addr, Handler: router}
	return ms
}

// AttachSessions wires the daemon's session table into /debug/sessions.
func (ms *MetricsServer) AttachSessions(sessions SessionsLister) {
	ms.sessions = sessions
}

// Start begins serving in the background. Bind errors surface only
// through the logger, matching the teacher's fire-and-forget listener
// goroutine (a failed metrics bind must never take the daemon down).
func (ms *MetricsServer) Start() error {
	ms.logger.WithField("addr", ms.server.Addr).Info("starting metrics server")
	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.WithError(err).Error("metrics server error")
		}
	}()
	return nil
}

// Stop shuts the metrics server down gracefully.
func (ms *MetricsServer) Stop() error {
	ms.logger.Info("stopping metrics server")
	return ms.server.Shutdown(context.Background())
}
