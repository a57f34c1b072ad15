// Package metrics exposes Prometheus instrumentation for the promotion
// workers, the launcher and the watchdog.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric.
const Namespace = "promotion"

// Claim results.
const (
	ClaimWon    = "won"
	ClaimLost   = "lost"
	ClaimNoWork = "no_work"
	ClaimError  = "error"
)

// Metrics holds the registered collectors. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry setup.
type Metrics struct {
	ClaimsTotal            *prometheus.CounterVec
	CrowdTasksFinished     *prometheus.CounterVec
	CrowdTaskDuration      prometheus.Histogram
	CrowdShortageTotal     prometheus.Counter
	NodesEnqueuedTotal     *prometheus.CounterVec
	WatchdogRecoveredTotal *prometheus.CounterVec
	LaunchesTotal          *prometheus.CounterVec
	RunTransitionsTotal    *prometheus.CounterVec
}

// New creates and registers the metrics on reg, or on the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by entity kind and result",
		}, []string{"kind", "result"}),
		CrowdTasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "crowd",
			Name:      "tasks_finished_total",
			Help:      "Crowd tasks finished by terminal status",
		}, []string{"status"}),
		CrowdTaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "crowd",
			Name:      "task_duration_seconds",
			Help:      "Time spent processing one crowd task",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		CrowdShortageTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "crowd",
			Name:      "shortage_total",
			Help:      "Crowd slots planned without an eligible link or lost to insert failures",
		}),
		NodesEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "nodes_enqueued_total",
			Help:      "Nodes handed to the publication queue by level",
		}, []string{"level"}),
		WatchdogRecoveredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "watchdog",
			Name:      "recovered_total",
			Help:      "Stuck items recovered by kind and outcome",
		}, []string{"kind", "outcome"}),
		LaunchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "launches_total",
			Help:      "Worker launches by job kind and execution mode",
		}, []string{"kind", "mode"}),
		RunTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "run_transitions_total",
			Help:      "Run status transitions by target status",
		}, []string{"to"}),
	}
}

func (m *Metrics) Claim(kind, result string) {
	if m == nil {
		return
	}
	m.ClaimsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) CrowdFinished(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.CrowdTasksFinished.WithLabelValues(status).Inc()
	m.CrowdTaskDuration.Observe(took.Seconds())
}

func (m *Metrics) CrowdShortage(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CrowdShortageTotal.Add(float64(n))
}

func (m *Metrics) NodeEnqueued(level int) {
	if m == nil {
		return
	}
	m.NodesEnqueuedTotal.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (m *Metrics) Recovered(kind, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.WatchdogRecoveredTotal.WithLabelValues(kind, outcome).Add(float64(n))
}

func (m *Metrics) Launch(kind, mode string) {
	if m == nil {
		return
	}
	m.LaunchesTotal.WithLabelValues(kind, mode).Inc()
}

func (m *Metrics) RunTransition(to string) {
	if m == nil {
		return
	}
	m.RunTransitionsTotal.WithLabelValues(to).Inc()
}
