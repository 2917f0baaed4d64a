package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the coordinator's metrics.
type Registry struct {
	TicksTotal         prometheus.Counter
	TickDuration       prometheus.Histogram
	PhaseFailuresTotal *prometheus.CounterVec
	RecordsPurgedTotal prometheus.Counter
	MasterChangesTotal prometheus.Counter
	IsMaster           prometheus.Gauge
	NodesTotal         *prometheus.GaugeVec
	ConfigMismatch     prometheus.Gauge

	registry *prometheus.Registry
}

// NewRegistry creates a registry with every metric initialized, plus the
// Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{registry: reg}

	r.TicksTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "clusterd_heartbeat_ticks_total",
			Help: "Total number of heartbeat ticks run",
		},
	)

	r.TickDuration = promauto.With(reg).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusterd_heartbeat_tick_duration_seconds",
			Help:    "Duration of heartbeat ticks in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
	)

	r.PhaseFailuresTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterd_heartbeat_phase_failures_total",
			Help: "Total number of failed heartbeat phases",
		},
		[]string{"phase"}, // write, read, purge
	)

	r.RecordsPurgedTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "clusterd_records_purged_total",
			Help: "Total number of stale node records purged from storage",
		},
	)

	r.MasterChangesTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "clusterd_master_changes_total",
			Help: "Total number of times the elected master changed",
		},
	)

	r.IsMaster = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterd_is_master",
			Help: "Whether this node is the elected master (1 = master, 0 = not)",
		},
	)

	r.NodesTotal = promauto.With(reg).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusterd_nodes",
			Help: "Number of known nodes by state",
		},
		[]string{"state"}, // master, online, offline
	)

	r.ConfigMismatch = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterd_config_mismatch",
			Help: "Whether any known node runs a different configuration (1 = yes, 0 = no)",
		},
	)

	return r
}

// RecordTick records a finished heartbeat tick.
func (r *Registry) RecordTick(duration time.Duration) {
	r.TicksTotal.Inc()
	r.TickDuration.Observe(duration.Seconds())
}

// RecordPhaseFailure records a failed write, read or purge phase.
func (r *Registry) RecordPhaseFailure(phase string) {
	r.PhaseFailuresTotal.WithLabelValues(phase).Inc()
}

// RecordPurged adds to the purged records counter.
func (r *Registry) RecordPurged(n int) {
	r.RecordsPurgedTotal.Add(float64(n))
}

// RecordMasterChange counts a change of the elected master.
func (r *Registry) RecordMasterChange() {
	r.MasterChangesTotal.Inc()
}

// UpdateClusterMetrics sets the per-state node gauges and the local
// master and config mismatch flags.
func (r *Registry) UpdateClusterMetrics(nodesByState map[string]int, isMaster bool, configMismatch bool) {
	for _, state := range []string{"master", "online", "offline"} {
		r.NodesTotal.WithLabelValues(state).Set(float64(nodesByState[state]))
	}
	r.IsMaster.Set(boolToFloat(isMaster))
	r.ConfigMismatch.Set(boolToFloat(configMismatch))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
