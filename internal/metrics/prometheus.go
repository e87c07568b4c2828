package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Durability metrics
	RequestsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wts_store_requests_total",
		Help: "Sealed segments submitted for durable storage",
	}, []string{"namespace"})

	JobsQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wts_jobs_queued",
		Help: "Store requests waiting for a job slot",
	}, []string{"namespace"})

	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wts_jobs_in_flight",
		Help: "Durability jobs currently running",
	})

	JobResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wts_job_results_total",
		Help: "Durability job attempts by outcome",
	}, []string{"namespace", "result"})

	DurableFrameNo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wts_durable_frame_no",
		Help: "Highest frame number known durable",
	}, []string{"namespace"})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wts_escalations_total",
		Help: "Store requests that exhausted their retries",
	}, []string{"namespace"})

	ForcedShutdowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wts_forced_shutdowns_total",
		Help: "Shutdowns that abandoned in-flight jobs",
	})

	// Local tier metrics
	SegmentsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wts_segments_stored_total",
		Help: "Segments written to each tier",
	}, []string{"namespace", "tier"})

	TierBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wts_tier_bytes",
		Help: "Total bytes stored in each tier",
	}, []string{"namespace", "tier"})

	StoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wts_store_duration_seconds",
		Help:    "Time to store a segment on every tier",
		Buckets: prometheus.DefBuckets,
	}, []string{"namespace"})

	IntegrityFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wts_integrity_faults_total",
		Help: "Segments whose header disagrees with their file name",
	}, []string{"namespace"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wts_cache_evictions_total",
		Help: "Segments evicted from the local cache",
	}, []string{"namespace"})

	// Remote tier metrics
	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wts_upload_duration_seconds",
		Help:    "Remote tier upload latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"namespace"})

	UploadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wts_upload_errors_total",
		Help: "Remote tier upload failures",
	}, []string{"namespace"})

	DownloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wts_download_duration_seconds",
		Help:    "Remote tier download latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"namespace"})

	// Read path metrics
	FetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wts_fetch_requests_total",
		Help: "Segment fetches by serving tier",
	}, []string{"namespace", "tier"})

	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wts_fetch_latency_seconds",
		Help:    "Segment fetch latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"namespace", "tier"})

	// Ingest
	NotificationsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wts_sealed_notifications_total",
		Help: "Sealed segment notifications received over NATS",
	}, []string{"namespace", "status"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
