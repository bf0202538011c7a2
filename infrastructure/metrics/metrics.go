// Package metrics provides Prometheus metrics for the CRA resolver.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds all Prometheus collectors the resolver and trace
// subsystems report through.
type Collectors struct {
	// Resolutions
	ResolutionsTotal    *prometheus.CounterVec
	ResolutionDuration  *prometheus.HistogramVec
	SessionsActive      prometheus.Gauge

	// Policy evaluation
	PolicyDecisionsTotal *prometheus.CounterVec

	// TRACE
	TraceEventsBuffered        prometheus.Gauge
	TraceEventsDroppedTotal    prometheus.Counter
	TraceProcessorBatchSize    prometheus.Histogram
	TraceStorageWriteDuration  prometheus.Histogram

	// Atlas
	AtlasLoadsTotal  *prometheus.CounterVec
	AtlasesLoaded    prometheus.Gauge

	// Service health
	ServiceInfo *prometheus.GaugeVec
}

// New creates a Collectors registered against the default Prometheus
// registerer.
func New(component string) *Collectors {
	return NewWithRegistry(component, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Collectors registered against a caller-supplied
// registerer, so tests can use a private registry instead of the global one.
func NewWithRegistry(component string, registerer prometheus.Registerer) *Collectors {
	c := &Collectors{
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cra_resolutions_total",
				Help: "Total number of Resolve calls, labeled by final decision.",
			},
			[]string{"decision"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cra_resolution_duration_seconds",
				Help:    "Time to produce a resolution, from Resolve call to response.",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"decision"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cra_sessions_active",
				Help: "Current number of sessions in the Active state.",
			},
		),
		PolicyDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cra_policy_decisions_total",
				Help: "Total number of policy-phase outcomes, labeled by phase kind.",
			},
			[]string{"kind"},
		),
		TraceEventsBuffered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cra_trace_events_buffered",
				Help: "Current number of TRACE events sitting in the ring buffer awaiting processing.",
			},
		),
		TraceEventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cra_trace_events_dropped_total",
				Help: "Total number of TRACE events dropped because the ring buffer was full.",
			},
		),
		TraceProcessorBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cra_trace_processor_batch_size",
				Help:    "Number of events drained from the ring buffer per processor batch.",
				Buckets: prometheus.LinearBuckets(0, 16, 10),
			},
		),
		TraceStorageWriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cra_trace_storage_write_duration_seconds",
				Help:    "Time to write a batch of TRACE events to the storage backend.",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
			},
		),
		AtlasLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cra_atlas_loads_total",
				Help: "Total number of atlas load attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		AtlasesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cra_atlases_loaded",
				Help: "Current number of atlases present in the registry.",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cra_component_info",
				Help: "Static component information.",
			},
			[]string{"component", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			c.ResolutionsTotal,
			c.ResolutionDuration,
			c.SessionsActive,
			c.PolicyDecisionsTotal,
			c.TraceEventsBuffered,
			c.TraceEventsDroppedTotal,
			c.TraceProcessorBatchSize,
			c.TraceStorageWriteDuration,
			c.AtlasLoadsTotal,
			c.AtlasesLoaded,
			c.ServiceInfo,
		)
	}

	c.ServiceInfo.WithLabelValues(component, "1.0.0").Set(1)

	return c
}

// RecordResolution records a completed Resolve call.
func (c *Collectors) RecordResolution(decision string, duration time.Duration) {
	c.ResolutionsTotal.WithLabelValues(decision).Inc()
	c.ResolutionDuration.WithLabelValues(decision).Observe(duration.Seconds())
}

// SetSessionsActive sets the current active-session-count gauge.
func (c *Collectors) SetSessionsActive(n int) {
	c.SessionsActive.Set(float64(n))
}

// RecordPolicyDecision records a single policy-phase outcome (deny,
// requires_approval, rate_limit, allow).
func (c *Collectors) RecordPolicyDecision(kind string) {
	c.PolicyDecisionsTotal.WithLabelValues(kind).Inc()
}

// RecordTraceDropped records a ring-buffer overflow.
func (c *Collectors) RecordTraceDropped() {
	c.TraceEventsDroppedTotal.Inc()
}

// RecordTraceBatch records a processor batch drain and its storage write latency.
func (c *Collectors) RecordTraceBatch(batchSize int, writeDuration time.Duration) {
	c.TraceProcessorBatchSize.Observe(float64(batchSize))
	c.TraceStorageWriteDuration.Observe(writeDuration.Seconds())
}

// SetTraceBuffered sets the current ring-buffer occupancy gauge.
func (c *Collectors) SetTraceBuffered(n int) {
	c.TraceEventsBuffered.Set(float64(n))
}

// RecordAtlasLoad records an atlas load attempt outcome ("ok" or "invalid").
func (c *Collectors) RecordAtlasLoad(outcome string) {
	c.AtlasLoadsTotal.WithLabelValues(outcome).Inc()
}

// SetAtlasesLoaded sets the current atlas-registry size gauge.
func (c *Collectors) SetAtlasesLoaded(n int) {
	c.AtlasesLoaded.Set(float64(n))
}

// Enabled returns whether Prometheus metrics should be exposed, honoring
// CRA_METRICS_ENABLED with the same tri-state parsing the rest of the
// module's env-driven config uses.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("CRA_METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	global   *Collectors
	globalMu sync.Mutex
)

// Init initializes the process-wide Collectors instance.
func Init(component string) *Collectors {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(component)
	}
	return global
}

// Global returns the process-wide Collectors instance, lazily constructing
// one if Init was never called.
func Global() *Collectors {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New("cra")
	}
	return global
}
