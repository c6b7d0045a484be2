package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wires the engine's build lifecycle into Prometheus collectors,
// exposed by the HTTP layer at /metrics.
type Metrics struct {
	buildsTotal      *prometheus.CounterVec
	buildsInProgress prometheus.Gauge
	branchesTracked  *prometheus.GaugeVec

	mu          sync.Mutex
	inProgress  int
	perJobCount map[string]int
}

// NewMetrics constructs and registers the engine's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thingy_builds_total",
			Help: "Total number of builds that have reached a terminal status, by status.",
		}, []string{"status"}),
		buildsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thingy_builds_in_progress",
			Help: "Number of builds currently running across all branches.",
		}),
		branchesTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "thingy_branches_tracked",
			Help: "Number of branches currently tracked, by job.",
		}, []string{"job"}),
		perJobCount: make(map[string]int),
	}
	reg.MustRegister(m.buildsTotal, m.buildsInProgress, m.branchesTracked)
	return m
}

func (m *Metrics) buildStarted() {
	m.mu.Lock()
	m.inProgress++
	m.buildsInProgress.Set(float64(m.inProgress))
	m.mu.Unlock()
}

func (m *Metrics) buildFinished(status BuildStatus) {
	m.mu.Lock()
	m.inProgress--
	m.buildsInProgress.Set(float64(m.inProgress))
	m.mu.Unlock()
	m.buildsTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) setBranchesTracked(job string, count int) {
	m.branchesTracked.WithLabelValues(job).Set(float64(count))
}
