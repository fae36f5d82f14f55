package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigilproject/vigil/internal/models"
)

// CoreMetrics carries Prometheus instrumentation for the reconciliation
// core: observation accept/drop rates, transition counts, sweep timing,
// command outcomes, and the current host population.
type CoreMetrics struct {
	observationsTotal *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	pullErrorsTotal   prometheus.Counter
	commandsTotal     *prometheus.CounterVec
	connectedAgents   prometheus.Gauge
	trackedHosts      *prometheus.GaugeVec
}

var (
	coreInstance *CoreMetrics
	coreOnce     sync.Once
)

// Core returns the process-wide metrics instance, registering it with the
// default registry on first use.
func Core() *CoreMetrics {
	coreOnce.Do(func() {
		coreInstance = newCoreMetrics(prometheus.DefaultRegisterer)
	})
	return coreInstance
}

func newCoreMetrics(reg prometheus.Registerer) *CoreMetrics {
	m := &CoreMetrics{
		observationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vigil",
				Name:      "observations_total",
				Help:      "Observations processed by the reconciliation engine.",
			},
			[]string{"source", "result"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vigil",
				Name:      "transitions_total",
				Help:      "Reachability transitions emitted.",
			},
			[]string{"to"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "vigil",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of staleness sweeps.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		pullErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vigil",
				Name:      "pull_errors_total",
				Help:      "Failed source-of-record snapshot fetches.",
			},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vigil",
				Name:      "commands_total",
				Help:      "Command invocations by terminal status.",
			},
			[]string{"status"},
		),
		connectedAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vigil",
				Name:      "connected_agents",
				Help:      "Agents currently holding a push connection.",
			},
		),
		trackedHosts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vigil",
				Name:      "tracked_hosts",
				Help:      "Tracked hosts by reachability class.",
			},
			[]string{"reachability"},
		),
	}

	reg.MustRegister(
		m.observationsTotal,
		m.transitionsTotal,
		m.sweepDuration,
		m.pullErrorsTotal,
		m.commandsTotal,
		m.connectedAgents,
		m.trackedHosts,
	)
	return m
}

// RecordObservation counts one processed observation.
func (m *CoreMetrics) RecordObservation(source models.ObservationSource, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "dropped"
	}
	m.observationsTotal.WithLabelValues(string(source), result).Inc()
}

// RecordTransition counts one emitted transition.
func (m *CoreMetrics) RecordTransition(to models.Reachability) {
	m.transitionsTotal.WithLabelValues(string(to)).Inc()
}

// ObserveSweep records the duration of one staleness sweep.
func (m *CoreMetrics) ObserveSweep(seconds float64) {
	m.sweepDuration.Observe(seconds)
}

// RecordPullError counts one failed snapshot fetch.
func (m *CoreMetrics) RecordPullError() {
	m.pullErrorsTotal.Inc()
}

// RecordCommand counts one invocation reaching a terminal status.
func (m *CoreMetrics) RecordCommand(status models.InvocationStatus) {
	m.commandsTotal.WithLabelValues(string(status)).Inc()
}

// SetConnectedAgents updates the connected agent gauge.
func (m *CoreMetrics) SetConnectedAgents(n int) {
	m.connectedAgents.Set(float64(n))
}

// SetTrackedHosts updates the per-reachability host population gauges.
// Classes absent from counts are reset to zero.
func (m *CoreMetrics) SetTrackedHosts(counts map[models.Reachability]int) {
	for _, r := range []models.Reachability{
		models.ReachabilityUnknown,
		models.ReachabilityLive,
		models.ReachabilitySilent,
	} {
		m.trackedHosts.WithLabelValues(string(r)).Set(float64(counts[r]))
	}
}
