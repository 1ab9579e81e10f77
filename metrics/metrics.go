// Package metrics wraps the Prometheus counters/gauges this layer
// exposes (C10): transport event throughput, registry size, beacon parse
// outcomes and pool backlog, grounded on facebook/time's
// ptp/sptp/stats.PrometheusExporter use of prometheus/client_golang, plus
// a handful of host-level gauges from shirou/gopsutil the same way
// ptp4u/cmd tools report process health.
package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
	log "github.com/sirupsen/logrus"
)

// Metrics holds every counter/gauge this layer reports.
type Metrics struct {
	registry *prometheus.Registry

	RawEventsAccepted  *prometheus.CounterVec
	RawEventsDebounced *prometheus.CounterVec
	RegistrySize       *prometheus.GaugeVec
	UnavailabilityFire *prometheus.CounterVec
	BeaconParseHit     prometheus.Counter
	BeaconParseMiss    prometheus.Counter
	PoolInFlight       prometheus.Gauge
	PoolBackoffMean    prometheus.Gauge

	processMemRSS prometheus.Gauge
	processCPU    prometheus.Gauge
	hostMemUsed   prometheus.Gauge
}

// New constructs and registers every metric.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RawEventsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thali_raw_events_accepted_total",
		Help: "Raw peer events folded into the registry, by connection type.",
	}, []string{"connection_type"})

	m.RawEventsDebounced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thali_raw_events_debounced_total",
		Help: "Raw peer events dropped as duplicates of the cached entry.",
	}, []string{"connection_type"})

	m.RegistrySize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "thali_registry_entries",
		Help: "Live PeerRegistry entries, by connection type.",
	}, []string{"connection_type"})

	m.UnavailabilityFire = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thali_unavailability_events_total",
		Help: "Unavailability transitions emitted, by cause.",
	}, []string{"cause"})

	m.BeaconParseHit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thali_beacon_parse_hit_total",
		Help: "Beacon streams that matched one of our recipient keys.",
	})
	m.BeaconParseMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thali_beacon_parse_miss_total",
		Help: "Beacon streams parsed with no matching beacon.",
	})

	m.PoolInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thali_pool_in_flight",
		Help: "Replication actions currently queued or executing.",
	})
	m.PoolBackoffMean = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thali_pool_backoff_mean_attempts",
		Help: "Running mean of attempts per replication action under BackoffPolicy.",
	})

	m.processMemRSS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thali_process_rss_bytes",
		Help: "Resident set size of this process.",
	})
	m.processCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thali_process_cpu_percent",
		Help: "CPU percent of this process, sampled every reporting interval.",
	})
	m.hostMemUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thali_host_memory_used_bytes",
		Help: "Used host memory, sampled every reporting interval.",
	})

	m.registry.MustRegister(
		m.RawEventsAccepted, m.RawEventsDebounced, m.RegistrySize,
		m.UnavailabilityFire, m.BeaconParseHit, m.BeaconParseMiss,
		m.PoolInFlight, m.PoolBackoffMean, m.processMemRSS, m.processCPU,
		m.hostMemUsed,
	)

	return m
}

// ReportProcessStats samples this process's RSS and CPU percent into the
// gauges. Errors from gopsutil are logged and otherwise ignored: host
// introspection is best-effort and must never block metric serving.
func (m *Metrics) ReportProcessStats() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.WithError(err).Debug("metrics: could not open self process handle")
		return
	}
	if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
		m.processMemRSS.Set(float64(rss.RSS))
	}
	if cpuPct, err := proc.CPUPercent(); err == nil {
		m.processCPU.Set(cpuPct)
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		m.hostMemUsed.Set(float64(vm.Used))
	}
}

// ReportEvery runs ReportProcessStats on interval until stop is closed.
func (m *Metrics) ReportEvery(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.ReportProcessStats()
		}
	}
}

// Handler returns the http.Handler to mount at e.g. /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ListenAndServe starts a dedicated metrics listener on addr (e.g.
// ":8080"), matching facebook/time's PrometheusExporter.Start pattern of a
// standalone metrics port separate from the main service listener. extra
// mounts additional operator-debug handlers (e.g. a registry dump) on the
// same unauthenticated listener; it may be nil.
func (m *Metrics) ListenAndServe(addr string, extra map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}
	log.WithField("addr", addr).Info("starting metrics listener")
	return http.ListenAndServe(addr, mux)
}
