package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetpack/fleetpack/internal/version"
)

// PipelineMetrics owns the process registry and every pipeline instrument.
// Consumers depend on narrow interfaces they declare themselves; this type
// satisfies all of them.
type PipelineMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	buildInfo *prometheus.GaugeVec

	attemptsTotal    *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	attemptsInFlight prometheus.Gauge
	stageDuration    *prometheus.HistogramVec

	blocksUploadedTotal prometheus.Counter
	blockRetriesTotal   prometheus.Counter
	uploadedBytesTotal  prometheus.Counter

	pollAttemptsTotal *prometheus.CounterVec
	pollTimeoutsTotal *prometheus.CounterVec

	integrityFailuresTotal *prometheus.CounterVec

	libraryScansTotal       prometheus.Counter
	libraryScanErrorsTotal  *prometheus.CounterVec
	packagesDiscoveredTotal prometheus.Counter
	libraryLastScanTs       prometheus.Gauge
	libraryStale            prometheus.Gauge

	graphRequestsTotal *prometheus.CounterVec
	tokenRefreshTotal  prometheus.Counter

	profilingActive prometheus.Gauge
}

// New returns a fresh registry with standard collectors plus the pipeline
// instruments. Label sets stay small and closed (outcome, stage, op, kind)
// to keep cardinality bounded.
func New() *PipelineMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &PipelineMetrics{
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_attempts_total",
			Help: "Completed publish attempts by outcome",
		}, []string{"outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "publish_attempt_duration_seconds",
			Help:    "End-to-end publish attempt duration by outcome",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"outcome"}),
		attemptsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "publish_attempts_inflight",
			Help: "Publish attempts currently running",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "publish_stage_duration_seconds",
			Help:    "Per-stage duration within a publish attempt",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage"}),
		blocksUploadedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upload_blocks_total",
			Help: "Content blocks uploaded to storage",
		}),
		blockRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upload_block_retries_total",
			Help: "Block uploads that needed another attempt",
		}),
		uploadedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upload_bytes_total",
			Help: "Encrypted payload bytes uploaded to storage",
		}),
		pollAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poll_attempts_total",
			Help: "Remote state poll attempts by operation",
		}, []string{"op"}),
		pollTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poll_timeouts_total",
			Help: "Polls that exhausted their attempt budget by operation",
		}, []string{"op"}),
		integrityFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "package_integrity_failures_total",
			Help: "Package verification failures by kind (digest, mac)",
		}, []string{"kind"}),
		libraryScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_scans_total",
			Help: "Library inbox scan cycles",
		}),
		libraryScanErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_scan_errors_total",
			Help: "Library scan errors by type",
		}, []string{"type"}),
		packagesDiscoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_packages_discovered_total",
			Help: "Complete package pairs discovered in the inbox",
		}),
		libraryLastScanTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "library_last_scan_timestamp_seconds",
			Help: "Unix timestamp of the last successful inbox scan",
		}),
		libraryStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "library_scan_stale",
			Help: "Whether inbox scanning is stale (1) or healthy (0)",
		}),
		graphRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_requests_total",
			Help: "Graph API requests by method and status",
		}, []string{"method", "status"}),
		tokenRefreshTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graph_token_refresh_total",
			Help: "Token source refreshes",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.buildInfo,
		m.attemptsTotal,
		m.attemptDuration,
		m.attemptsInFlight,
		m.stageDuration,
		m.blocksUploadedTotal,
		m.blockRetriesTotal,
		m.uploadedBytesTotal,
		m.pollAttemptsTotal,
		m.pollTimeoutsTotal,
		m.integrityFailuresTotal,
		m.libraryScansTotal,
		m.libraryScanErrorsTotal,
		m.packagesDiscoveredTotal,
		m.libraryLastScanTs,
		m.libraryStale,
		m.graphRequestsTotal,
		m.tokenRefreshTotal,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *PipelineMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *PipelineMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"vcs_dirty":  dirty,
		"go_version": vi.GoVersion,
	}).Set(1)
}

func (m *PipelineMetrics) AttemptStarted() {
	m.attemptsInFlight.Inc()
}

func (m *PipelineMetrics) AttemptFinished(outcome string, seconds float64) {
	m.attemptsInFlight.Dec()
	m.attemptsTotal.WithLabelValues(outcome).Inc()
	m.attemptDuration.WithLabelValues(outcome).Observe(seconds)
}

// ObserveStageDuration records a stage timing, attaching the trace id as an
// exemplar when the surrounding span is sampled.
func (m *PipelineMetrics) ObserveStageDuration(ctx context.Context, stage string, seconds float64) {
	obs := m.stageDuration.WithLabelValues(stage)
	if ex := traceExemplar(ctx); ex != nil {
		if eo, ok := obs.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(seconds, ex)
			return
		}
	}
	obs.Observe(seconds)
}

func (m *PipelineMetrics) IncBlockUploaded() {
	m.blocksUploadedTotal.Inc()
}

func (m *PipelineMetrics) IncBlockRetry() {
	m.blockRetriesTotal.Inc()
}

func (m *PipelineMetrics) AddUploadedBytes(n int) {
	m.uploadedBytesTotal.Add(float64(n))
}

func (m *PipelineMetrics) IncPollAttempt(op string) {
	m.pollAttemptsTotal.WithLabelValues(op).Inc()
}

func (m *PipelineMetrics) IncPollTimeout(op string) {
	m.pollTimeoutsTotal.WithLabelValues(op).Inc()
}

func (m *PipelineMetrics) IncIntegrityFailure(kind string) {
	m.integrityFailuresTotal.WithLabelValues(kind).Inc()
}

func (m *PipelineMetrics) IncLibraryScan() {
	m.libraryScansTotal.Inc()
}

func (m *PipelineMetrics) IncLibraryScanError(errType string) {
	m.libraryScanErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *PipelineMetrics) IncPackagesDiscovered() {
	m.packagesDiscoveredTotal.Inc()
}

func (m *PipelineMetrics) SetLibraryLastScan(unixSeconds float64) {
	m.libraryLastScanTs.Set(unixSeconds)
}

func (m *PipelineMetrics) SetLibraryStale(stale bool) {
	if stale {
		m.libraryStale.Set(1)
	} else {
		m.libraryStale.Set(0)
	}
}

func (m *PipelineMetrics) IncGraphRequest(method string, status int) {
	m.graphRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *PipelineMetrics) IncTokenRefresh() {
	m.tokenRefreshTotal.Inc()
}

func (m *PipelineMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// if a sampled trace is present attach its trace_id as an exemplar
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
