package deployment

import (
	"context"
	"fmt"
)

// Payload names kept next to the deployment record while a deployment
// spans process restarts.
const (
	PayloadTarget            = "target"
	PayloadSnapshot          = "snapshot"
	PayloadBootstrap         = "bootstrap"
	PayloadRollbackBootstrap = "rollback-bootstrap"
)

// Runtime starts, repairs and removes components.
// Production: *lifecycle.Manager
// Testing: *lifecycle.Manager over fake.Launcher
type Runtime interface {
	Start(name string) error
	ReplaceUnloadable(name string) error
	Reinstall(name string) error
	Unloadable() []string
	RemoveObsolete(ctx context.Context, names []string) error
	AutoStartable() map[string]bool
}

// Checkpoint persists cross-restart deployment progress. Every write is
// durable when it returns.
// Production: adapter/sqlite.Store
// Testing: fake.Store
type Checkpoint interface {
	Stage() (Stage, error)
	SaveStage(stage Stage) error
	LoadDeployment() (Deployment, bool, error)
	SaveDeployment(d Deployment) error
	Payload(name string) ([]byte, bool, error)
	SavePayload(name string, data []byte) error
	// ClearCheckpoint resets the stage to DEFAULT and drops the deployment
	// record and every payload.
	ClearCheckpoint() error
}

// ConfigStore persists the configuration a deployment left in place.
// Production: adapter/sqlite.Store
// Testing: fake.Store
type ConfigStore interface {
	EffectiveConfig() ([]byte, bool, error)
	SaveEffectiveConfig(data []byte) error
}

// StatusHistory records every published status.
// Production: adapter/sqlite.Store
// Testing: fake.Store
type StatusHistory interface {
	AppendStatus(u StatusUpdate) error
	ListStatuses(limit int) ([]StatusUpdate, error)
}

// Store is everything the executor persists.
type Store interface {
	Checkpoint
	ConfigStore
	StatusHistory
}

// Interruptor marks the interruptible wait of the active deployment.
// Production: *Queue
// Testing: *Queue
type Interruptor interface {
	// Interruptible returns a context that is canceled with ErrCanceled when
	// the active deployment is superseded or canceled. release must be called
	// once the wait ends.
	Interruptible(ctx context.Context) (waitCtx context.Context, release func())
}

// ShutdownKind is how the host must relaunch the agent.
type ShutdownKind uint8

const (
	ShutdownRestart ShutdownKind = iota + 1
	ShutdownReboot
)

func (k ShutdownKind) String() string {
	switch k {
	case ShutdownRestart:
		return "restart"
	case ShutdownReboot:
		return "reboot"
	default:
		return "unknown"
	}
}

// ExitCode is the process exit status that asks the service manager for k.
func (k ShutdownKind) ExitCode() int {
	if k == ShutdownReboot {
		return 101
	}
	return 100
}

// ShutdownError asks the host to relaunch the agent. Progress is already
// persisted when it is returned.
type ShutdownError struct {
	Kind   ShutdownKind
	Reason string
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("agent %s requested: %s", e.Kind, e.Reason)
}
