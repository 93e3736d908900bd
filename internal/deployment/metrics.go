package deployment

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"edgeagent/internal/graph"
	"edgeagent/internal/lifecycle"
)

const metricsNamespace = "edgeagent"

// Metrics holds the deployment and component collectors.
type Metrics struct {
	// DeploymentsTotal counts terminal results by deployment type and
	// detailed status.
	DeploymentsTotal *prometheus.CounterVec
	// DeploymentDuration measures from dequeue to terminal result.
	DeploymentDuration *prometheus.HistogramVec
	// ComponentState is 1 for the current state of each component.
	ComponentState *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DeploymentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deployments_total",
			Help:      "Deployments finished, by type and detailed status.",
		}, []string{"type", "status"}),
		DeploymentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "deployment_duration_seconds",
			Help:      "Time from dequeue to terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"type"}),
		ComponentState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "component_state",
			Help:      "1 for the current lifecycle state of a component.",
		}, []string{"component", "state"}),
	}
}

// ObserveResult records a terminal result. Nil metrics are ignored.
func (m *Metrics) ObserveResult(t Type, detailed DetailedStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.DeploymentsTotal.WithLabelValues(t.String(), string(detailed)).Inc()
	m.DeploymentDuration.WithLabelValues(t.String()).Observe(took.Seconds())
}

// StateListener keeps ComponentState in step with applied transitions.
func (m *Metrics) StateListener() lifecycle.StateListener {
	return func(name string, prev, next graph.State, _ time.Time) {
		if m == nil {
			return
		}
		if prev.IsValid() {
			m.ComponentState.WithLabelValues(name, prev.String()).Set(0)
		}
		m.ComponentState.WithLabelValues(name, next.String()).Set(1)
	}
}
