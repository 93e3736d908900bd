package deployment

import (
	"log/slog"
	"sync"

	"edgeagent/internal/graph"
)

// Health is the overall device health derived from component states.
type Health string

const (
	Healthy   Health = "HEALTHY"
	Unhealthy Health = "UNHEALTHY"
)

// HealthReport is computed after every terminal deployment status.
type HealthReport struct {
	Overall      Health
	DeploymentID string
	Components   map[string]graph.State
}

// HealthReporter is a status consumer that recomputes device health when a
// deployment finishes.
type HealthReporter struct {
	graph  *graph.Graph
	logger *slog.Logger

	mu   sync.Mutex
	last HealthReport
}

// NewHealthReporter creates a reporter over g.
func NewHealthReporter(g *graph.Graph, logger *slog.Logger) *HealthReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthReporter{graph: g, logger: logger}
}

// Register subscribes the reporter to every deployment type.
func (h *HealthReporter) Register(k *StatusKeeper) {
	for _, t := range Types {
		k.RegisterStatusConsumer(t, "health", h.Consume)
	}
}

// Consume implements Consumer.
func (h *HealthReporter) Consume(u StatusUpdate) error {
	if !u.Terminal() {
		return nil
	}
	snap := h.graph.Snapshot()
	report := HealthReport{
		Overall:      Healthy,
		DeploymentID: u.DeploymentID,
		Components:   make(map[string]graph.State, snap.Len()),
	}
	for _, name := range snap.Names() {
		c, _ := snap.Component(name)
		report.Components[name] = c.State
		if c.State == graph.StateBroken {
			report.Overall = Unhealthy
		}
	}

	h.mu.Lock()
	h.last = report
	h.mu.Unlock()
	h.logger.Info("device health", "health", string(report.Overall), "deployment_id", u.DeploymentID, "components", len(report.Components))
	return nil
}

// Last returns the most recent report.
func (h *HealthReporter) Last() HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
