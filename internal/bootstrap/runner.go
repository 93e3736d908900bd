package bootstrap

import (
	"context"
	"sync"

	"edgeagent/internal/configtree"
	"edgeagent/internal/deployment"
)

// Outcome is what a finished bootstrap step asks of the host.
type Outcome uint8

const (
	OutcomeNoOp Outcome = iota
	OutcomeRestart
	OutcomeReboot
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoOp:
		return "no-op"
	case OutcomeRestart:
		return "restart"
	case OutcomeReboot:
		return "reboot"
	default:
		return "unknown"
	}
}

// shutdown maps a relaunch request onto the agent exit kind. A no-op still
// relaunches the agent so the next stage starts from a clean process.
func (o Outcome) shutdown() deployment.ShutdownKind {
	if o == OutcomeReboot {
		return deployment.ShutdownReboot
	}
	return deployment.ShutdownRestart
}

// TaskRunner executes one component bootstrap step.
// Production: *Declared
// Testing: fake.Host
type TaskRunner interface {
	RunTask(ctx context.Context, task deployment.BootstrapTask) (Outcome, error)
}

// Hook performs the host-side work of a component's bootstrap step.
type Hook func(ctx context.Context, component string) error

// Declared answers every task with the requirement its component
// declared, after running the hook registered for the component, if any.
type Declared struct {
	mu    sync.Mutex
	hooks map[string]Hook
}

func NewDeclared() *Declared {
	return &Declared{hooks: make(map[string]Hook)}
}

// Register installs the hook run for component's bootstrap step.
func (d *Declared) Register(component string, h Hook) {
	d.mu.Lock()
	d.hooks[component] = h
	d.mu.Unlock()
}

func (d *Declared) RunTask(ctx context.Context, task deployment.BootstrapTask) (Outcome, error) {
	d.mu.Lock()
	hook := d.hooks[task.Component]
	d.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, task.Component); err != nil {
			return OutcomeNoOp, err
		}
	}
	switch task.Requires {
	case configtree.BootstrapRestart:
		return OutcomeRestart, nil
	case configtree.BootstrapReboot:
		return OutcomeReboot, nil
	default:
		return OutcomeNoOp, nil
	}
}
