package fake

import (
	"context"
	"slices"
	"sync"

	"edgeagent/internal/adapter/fake/fault"
	"edgeagent/internal/bootstrap"
	"edgeagent/internal/deployment"
)

var _ bootstrap.TaskRunner = (*Host)(nil)

// FaultHostRunTask is evaluated with the component name of every task.
const FaultHostRunTask = "host.run_task"

// Host is a scripted bootstrap.TaskRunner. Components without a scripted
// outcome report a no-op.
type Host struct {
	CallRecorder
	Faults *fault.Injector

	mu       sync.Mutex
	outcomes map[string]bootstrap.Outcome
	ran      []string
}

func NewHost() *Host {
	return &Host{Faults: fault.NewInjector(), outcomes: make(map[string]bootstrap.Outcome)}
}

// SetOutcome scripts the outcome of component's task.
func (h *Host) SetOutcome(component string, o bootstrap.Outcome) {
	h.mu.Lock()
	h.outcomes[component] = o
	h.mu.Unlock()
}

// Ran lists the components whose task succeeded, in order.
func (h *Host) Ran() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.ran)
}

func (h *Host) RunTask(_ context.Context, task deployment.BootstrapTask) (bootstrap.Outcome, error) {
	h.record("RunTask", task.Component)
	if err := h.Faults.Eval(FaultHostRunTask, task.Component); err != nil {
		return bootstrap.OutcomeNoOp, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ran = append(h.ran, task.Component)
	return h.outcomes[task.Component], nil
}
