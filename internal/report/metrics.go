package report

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the supervisor's counters on a private registry so several
// supervisors in one process (tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	launches   prometheus.Counter
	exits      *prometheus.CounterVec
	heals      *prometheus.CounterVec
	rollbacks  prometheus.Counter
	promotions prometheus.Counter
	crashes    prometheus.Gauge
	workerUp   prometheus.Gauge
	runtime    prometheus.Histogram
	staged     prometheus.Gauge
}

// NewMetrics creates and registers the supervisor metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_launches_total",
			Help: "Worker launches",
		}),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_exits_total",
				Help: "Worker exits by crash class",
			},
			[]string{"class"},
		),
		heals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_self_heal_total",
				Help: "Self-heal attempts by outcome",
			},
			[]string{"outcome"},
		),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_rollbacks_total",
			Help: "Artifact restores from backup",
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_promotions_total",
			Help: "Staged candidates promoted to the live artifact",
		}),
		crashes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_crash_record",
			Help: "Consecutive crashes since the last reset",
		}),
		workerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_worker_up",
			Help: "1 while a worker process is running",
		}),
		runtime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_worker_runtime_seconds",
			Help:    "Wall time of each worker run",
			Buckets: prometheus.ExponentialBuckets(0.5, 4, 8),
		}),
		staged: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_candidate_staged",
			Help: "1 while a candidate artifact waits in the staging path",
		}),
	}

	m.registry.MustRegister(
		m.launches, m.exits, m.heals, m.rollbacks, m.promotions,
		m.crashes, m.workerUp, m.runtime, m.staged,
	)
	return m
}

// Registry exposes the private registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncrLaunched is called once per spawned worker.
func (m *Metrics) IncrLaunched() {
	m.launches.Inc()
	m.workerUp.Set(1)
}

// RecordResult updates the exit projections from a finished launch.
func (m *Metrics) RecordResult(r *Result) {
	m.workerUp.Set(0)
	m.exits.WithLabelValues(r.Class).Inc()
	m.runtime.Observe(r.Duration.Seconds())
}

func (m *Metrics) RecordHeal(outcome string) { m.heals.WithLabelValues(outcome).Inc() }
func (m *Metrics) IncrRollback()             { m.rollbacks.Inc() }
func (m *Metrics) IncrPromotion()            { m.promotions.Inc() }

func (m *Metrics) SetCrashRecord(n int) { m.crashes.Set(float64(n)) }

func (m *Metrics) SetCandidateStaged(staged bool) {
	if staged {
		m.staged.Set(1)
	} else {
		m.staged.Set(0)
	}
}
