// Package bootstrap resumes a deployment that spans agent restarts. It runs
// once at process start, before any component is launched.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"edgeagent/internal/check"
	"edgeagent/internal/configtree"
	"edgeagent/internal/deployment"
)

// Plan is what the rest of startup does after Resume.
type Plan struct {
	// Config replaces the persisted effective configuration when non-nil.
	Config map[string]configtree.Component
	// Deployment is re-injected into the executor when non-nil.
	Deployment *deployment.Deployment
}

// Coordinator drives the persisted deployment stage at startup.
type Coordinator struct {
	store  deployment.Checkpoint
	runner TaskRunner
	logger *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func New(cp deployment.Checkpoint, runner TaskRunner, opts ...Option) *Coordinator {
	check.Assert(cp != nil, "bootstrap.New: checkpoint must not be nil")
	check.Assert(runner != nil, "bootstrap.New: runner must not be nil")
	c := &Coordinator{store: cp, runner: runner, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resume reads the stage marker and advances it. It returns a
// *deployment.ShutdownError when the agent must be relaunched before
// anything else happens. Every step is persisted before it is reported,
// so calling Resume again after a crash continues where it stopped.
func (c *Coordinator) Resume(ctx context.Context) (Plan, error) {
	stage, err := c.store.Stage()
	if err != nil {
		return Plan{}, fmt.Errorf("read deployment stage: %w", err)
	}
	log := c.logger.With("stage", stage.String())
	if stage == deployment.StageDefault {
		return Plan{}, nil
	}

	d, ok, err := c.store.LoadDeployment()
	if err != nil || !ok {
		log.Warn("deployment record unreadable, starting without it", "err", err)
		c.reset(log)
		return Plan{}, nil
	}
	d.Stage = stage
	log = log.With("deployment_id", d.ID)
	log.Info("resuming deployment")

	switch stage {
	case deployment.StageBootstrap:
		if deployment.RestoreFailure(d) != nil {
			// Failed before the last launch and not yet reported.
			return Plan{Deployment: &d}, nil
		}
		return c.bootstrap(ctx, log, d)
	case deployment.StageKernelActivation:
		return c.inject(log, d, deployment.PayloadTarget)
	case deployment.StageKernelRollback:
		return c.inject(log, d, deployment.PayloadSnapshot)
	case deployment.StageRollbackBootstrap:
		return c.rollbackBootstrap(ctx, log, d)
	default:
		log.Warn("unknown deployment stage, starting without it")
		c.reset(log)
		return Plan{}, nil
	}
}

// inject hands d to the executor on top of the configuration in payload.
func (c *Coordinator) inject(log *slog.Logger, d deployment.Deployment, payload string) (Plan, error) {
	cfg, err := deployment.LoadConfig(c.store, payload)
	if err != nil {
		log.Error("deployment configuration unreadable, starting without it", "payload", payload, "err", err)
		c.reset(log)
		return Plan{}, nil
	}
	return Plan{Config: cfg, Deployment: &d}, nil
}

func (c *Coordinator) bootstrap(ctx context.Context, log *slog.Logger, d deployment.Deployment) (Plan, error) {
	outcome, pending, err := c.runTasks(ctx, log, deployment.PayloadBootstrap)
	if err != nil {
		return c.bootstrapFailed(log, d, err)
	}
	if pending {
		return Plan{}, &deployment.ShutdownError{Kind: outcome.shutdown(), Reason: "continue bootstrap of deployment " + d.ID}
	}
	if err := c.advance(&d, deployment.StageKernelActivation); err != nil {
		return Plan{}, err
	}
	log.Info("bootstrap finished, relaunching into activation", "outcome", outcome.String())
	return Plan{}, &deployment.ShutdownError{Kind: outcome.shutdown(), Reason: "activate deployment " + d.ID}
}

// bootstrapFailed routes a failed bootstrap into rollback. Without a
// snapshot to roll back to, the failure is recorded and the deployment is
// handed to the executor on the current configuration so it is still
// reported.
func (c *Coordinator) bootstrapFailed(log *slog.Logger, d deployment.Deployment, cause error) (Plan, error) {
	log.Error("bootstrap failed", "err", cause)
	next, err := deployment.PrepareRollback(c.store, d, cause)
	if err != nil {
		log.Warn("rollback not possible, reporting the failure", "err", err)
		deployment.RecordFailure(&d, cause)
		if err := c.store.SaveDeployment(d); err != nil {
			log.Error("save deployment record failed", "err", err)
		}
		return Plan{Deployment: &d}, nil
	}
	log.Info("relaunching into rollback", "next_stage", next.Stage.String())
	return Plan{}, &deployment.ShutdownError{Kind: deployment.ShutdownRestart, Reason: "roll back deployment " + d.ID}
}

func (c *Coordinator) rollbackBootstrap(ctx context.Context, log *slog.Logger, d deployment.Deployment) (Plan, error) {
	outcome, pending, err := c.runTasks(ctx, log, deployment.PayloadRollbackBootstrap)
	if err != nil {
		log.Error("rollback bootstrap failed", "err", err)
		cfg, cfgErr := deployment.LoadConfig(c.store, deployment.PayloadSnapshot)
		if cfgErr != nil {
			log.Error("configuration snapshot unreadable", "err", cfgErr)
			cfg = nil
		}
		return Plan{Config: cfg, Deployment: &d}, nil
	}
	if pending {
		return Plan{}, &deployment.ShutdownError{Kind: outcome.shutdown(), Reason: "continue rollback bootstrap of deployment " + d.ID}
	}
	if err := c.advance(&d, deployment.StageKernelRollback); err != nil {
		return Plan{}, err
	}
	log.Info("rollback bootstrap finished, relaunching into rollback", "outcome", outcome.String())
	return Plan{}, &deployment.ShutdownError{Kind: outcome.shutdown(), Reason: "roll back deployment " + d.ID}
}

// runTasks runs the pending tasks of payload in order, persisting each
// completion. It stops early when a task asks for a relaunch and more
// tasks remain. The returned outcome is that of the last task run.
func (c *Coordinator) runTasks(ctx context.Context, log *slog.Logger, payload string) (Outcome, bool, error) {
	tasks, err := deployment.LoadTasks(c.store, payload)
	if err != nil {
		return OutcomeNoOp, false, deployment.BootstrapError("", err)
	}
	last := OutcomeNoOp
	for i := range tasks {
		if tasks[i].Done {
			continue
		}
		outcome, err := c.runner.RunTask(ctx, tasks[i])
		if err != nil {
			return OutcomeNoOp, false, deployment.BootstrapError(tasks[i].Component, err)
		}
		tasks[i].Done = true
		if err := deployment.SaveTasks(c.store, payload, tasks); err != nil {
			return OutcomeNoOp, false, deployment.BootstrapError("", err)
		}
		log.Info("bootstrap task finished", "component", tasks[i].Component, "outcome", outcome.String())
		last = outcome
		if outcome != OutcomeNoOp && hasPending(tasks) {
			return outcome, true, nil
		}
	}
	return last, false, nil
}

func hasPending(tasks []deployment.BootstrapTask) bool {
	for _, t := range tasks {
		if !t.Done {
			return true
		}
	}
	return false
}

// advance persists the record before the marker.
func (c *Coordinator) advance(d *deployment.Deployment, to deployment.Stage) error {
	d.Stage = d.Stage.Transition(to)
	if err := c.store.SaveDeployment(*d); err != nil {
		return fmt.Errorf("save deployment record: %w", err)
	}
	if err := c.store.SaveStage(to); err != nil {
		return fmt.Errorf("save deployment stage: %w", err)
	}
	return nil
}

func (c *Coordinator) reset(log *slog.Logger) {
	if err := c.store.ClearCheckpoint(); err != nil {
		log.Error("clear deployment checkpoint failed", "err", err)
	}
}
