package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"edgeagent/internal/check"
	"edgeagent/internal/clock"
	"edgeagent/internal/configtree"
	"edgeagent/internal/graph"
	"edgeagent/internal/lifecycle"
	"edgeagent/internal/telemetry"
)

const DefaultTimeout = 5 * time.Minute

// DefaultCapabilities are the capabilities an agent supports unless
// configured otherwise.
var DefaultCapabilities = []string{"LARGE_CONFIGURATION", "LINUX_RESOURCE_LIMITS", "SUB_DEPLOYMENTS"}

var errConvergenceTimeout = errors.New("timed out waiting for components to start")

var activationSteps = []telemetry.Step{
	{ID: "validate", Title: "Validate deployment"},
	{ID: "defer", Title: "Wait for component update deferrals"},
	{ID: "snapshot", Title: "Snapshot configuration"},
	{ID: "merge", Title: "Merge configuration"},
	{ID: "converge", Title: "Wait for components to start"},
	{ID: "cleanup", Title: "Remove obsolete components"},
	{ID: "rollback", Title: "Roll back configuration"},
}

// Activator merges a deployment document into the configuration tree and
// waits for the affected components to converge. It rolls back on failure
// when the document asks for it.
type Activator struct {
	graph   *graph.Graph
	tree    *configtree.Tree
	runtime Runtime

	gate         *UpdateGate
	interruptor  Interruptor
	capabilities []string
	timeout      time.Duration
	clock        clock.Clock
	tracer       trace.Tracer
	logger       *slog.Logger
}

// ActivatorOption configures an Activator.
type ActivatorOption func(*Activator)

func WithGate(g *UpdateGate) ActivatorOption { return func(a *Activator) { a.gate = g } }
func WithInterruptor(i Interruptor) ActivatorOption { return func(a *Activator) { a.interruptor = i } }
func WithActivatorClock(c clock.Clock) ActivatorOption { return func(a *Activator) { a.clock = c } }
func WithTracer(t trace.Tracer) ActivatorOption { return func(a *Activator) { a.tracer = t } }
func WithActivatorLogger(l *slog.Logger) ActivatorOption {
	return func(a *Activator) { a.logger = l }
}

// WithCapabilities replaces the supported capability set.
func WithCapabilities(caps []string) ActivatorOption {
	return func(a *Activator) { a.capabilities = slices.Clone(caps) }
}

// WithDefaultTimeout bounds deployments whose document sets no timeout.
func WithDefaultTimeout(d time.Duration) ActivatorOption {
	return func(a *Activator) { a.timeout = d }
}

// NewActivator creates an Activator over the shared graph and tree.
func NewActivator(g *graph.Graph, tree *configtree.Tree, rt Runtime, opts ...ActivatorOption) *Activator {
	check.Assert(g != nil, "deployment.NewActivator: graph must not be nil")
	check.Assert(tree != nil, "deployment.NewActivator: tree must not be nil")
	check.Assert(rt != nil, "deployment.NewActivator: runtime must not be nil")
	a := &Activator{
		graph:        g,
		tree:         tree,
		runtime:      rt,
		capabilities: slices.Clone(DefaultCapabilities),
		timeout:      DefaultTimeout,
		clock:        clock.Real{},
		tracer:       otel.Tracer(telemetry.TracerName),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.gate == nil {
		a.gate = NewUpdateGate(a.clock, a.logger)
	}
	return a
}

// Gate returns the update deferral gate.
func (a *Activator) Gate() *UpdateGate { return a.gate }

// Validate rejects documents the agent cannot apply without changing any
// state.
func (a *Activator) Validate(doc Document) error {
	return doc.Check(a.capabilities, a.tree.Components())
}

func (a *Activator) timeoutFor(doc Document) time.Duration {
	if doc.Timeout > 0 {
		return doc.Timeout
	}
	return a.timeout
}

// Activate applies doc. A nil result means the process is shutting down
// and nothing is reported.
func (a *Activator) Activate(ctx context.Context, d Deployment, doc Document) *Result {
	log := a.logger.With("deployment_id", d.ID, "deployment_type", d.Type.String())
	op, err := telemetry.Begin(ctx, a.tracer, d.ID, d.Type.String(), d.Stage.String(), activationSteps)
	if err != nil {
		log.Debug("deployment tracing disabled", "err", err)
	}
	if op != nil {
		ctx = op.Context()
	}
	res := a.activate(ctx, op, log, d, doc)
	switch {
	case res == nil:
		op.End("interrupted", nil)
	default:
		op.End(string(res.Detailed), res.Cause)
	}
	return res
}

func (a *Activator) activate(ctx context.Context, op *telemetry.Operation, log *slog.Logger, d Deployment, doc Document) *Result {
	if err := op.RunStep(ctx, "validate", func(context.Context) error { return a.Validate(doc) }); err != nil {
		log.Warn("deployment rejected", "err", err)
		return &Result{Detailed: DetailedFailedNoStateChange, Cause: err}
	}

	if doc.NotifyComponents() {
		err := op.RunStep(ctx, "defer", func(ctx context.Context) error {
			return a.gate.Wait(ctx, d.ID, doc.ComponentUpdatePolicy.Timeout)
		})
		if err != nil {
			log.Info("deployment interrupted while components deferred the update")
			return nil
		}
	}

	preBroken := Broken(a.graph)
	var snapshot []byte
	if doc.AutoRollback() {
		err := op.RunStep(ctx, "snapshot", func(context.Context) error {
			var err error
			snapshot, err = a.tree.Snapshot()
			return err
		})
		if err != nil {
			cause := newError(KindSnapshot, []string{CodeSnapshot}, []string{TypeNucleusError}, "take configuration snapshot", err)
			log.Error("configuration snapshot failed", "err", err)
			return &Result{Detailed: DetailedFailedNoStateChange, Cause: cause}
		}
	}

	timeout := a.timeoutFor(doc)
	changes := Diff(a.tree.Components(), doc.Components)
	var mergeTime time.Time
	err := op.RunStep(ctx, "merge", func(ctx context.Context) error {
		mergeTime = a.clock.Now()
		return a.merge(ctx, changes, func(at time.Time) error {
			_, err := a.tree.Merge(at, doc.Components)
			return err
		}, mergeTime, timeout)
	})
	if err == nil {
		tracked := changes.ToTrack(a.runtime.AutoStartable())
		log.Info("waiting for components to start", "components", tracked)
		err = op.RunStep(ctx, "converge", func(ctx context.Context) error {
			return a.Converge(ctx, tracked, mergeTime, timeout)
		})
	}

	switch {
	case err == nil:
		if err := op.RunStep(ctx, "cleanup", func(ctx context.Context) error {
			return changes.RemoveObsolete(ctx, a.runtime)
		}); err != nil {
			log.Warn("remove obsolete components failed", "components", changes.Removed, "err", err)
		}
		log.Info("deployment succeeded")
		return &Result{Detailed: DetailedSuccessful}
	case IsKind(err, KindInterrupted):
		log.Info("deployment interrupted by shutdown")
		return nil
	case IsKind(err, KindCanceled):
		return &Result{Detailed: DetailedCanceled}
	case !doc.AutoRollback():
		log.Warn("deployment failed, rollback not requested", "err", err)
		return &Result{Detailed: DetailedFailedRollbackNotRequested, Cause: err}
	}

	log.Warn("deployment failed, rolling back", "err", err)
	var res *Result
	_ = op.RunStep(ctx, "rollback", func(ctx context.Context) error {
		res = a.rollback(ctx, log, snapshot, preBroken, timeout, err)
		if res != nil && res.Detailed != DetailedFailedRollbackComplete {
			return fmt.Errorf("rollback ended %s", res.Detailed)
		}
		return nil
	})
	return res
}

// merge applies the configuration with apply and runs the remediation
// passes inside the same barrier.
func (a *Activator) merge(ctx context.Context, changes ChangeManager, apply func(at time.Time) error, at time.Time, timeout time.Duration) error {
	if err := apply(at); err != nil {
		return newError(KindMergeBarrier, []string{CodeMerge}, []string{TypeNucleusError}, "merge configuration", err)
	}
	barrierCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := a.tree.RunOnPublishQueueAndWait(barrierCtx, func() error {
		return changes.Remediate(a.runtime, a.graph)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return newError(KindInterrupted, nil, nil, "interrupted while applying configuration", ctx.Err())
	}
	var loadErr *lifecycle.LoadError
	if errors.As(err, &loadErr) {
		return newError(KindComponentLoad,
			[]string{CodeComponentUpdate, CodeComponentLoad},
			[]string{TypeNucleusError},
			fmt.Sprintf("component %s failed to load", loadErr.Name), err)
	}
	return newError(KindMergeBarrier, []string{CodeMerge}, []string{TypeNucleusError}, "apply configuration", err)
}

// Converge waits until every tracked component reached its success state
// after since. The wait is interruptible by the queue and bounded by
// timeout.
func (a *Activator) Converge(ctx context.Context, tracked []string, since time.Time, timeout time.Duration) error {
	waitCtx, release := context.Context(ctx), func() {}
	if a.interruptor != nil {
		waitCtx, release = a.interruptor.Interruptible(ctx)
	}
	defer release()
	waitCtx, cancel := context.WithTimeoutCause(waitCtx, timeout, errConvergenceTimeout)
	defer cancel()

	pending, err := a.waitForServicesToStart(waitCtx, tracked, since)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return newError(KindInterrupted, nil, nil, "interrupted while waiting for components to start", ctx.Err())
	case errors.Is(err, ErrCanceled):
		a.logger.Info("deployment cancelled while waiting for components to start", "pending", pending)
		return newError(KindCanceled, nil, nil, "", err)
	case errors.Is(err, errConvergenceTimeout):
		return newError(KindComponentUpdate,
			[]string{CodeComponentUpdate, CodeUpdateTimeout},
			[]string{TypeUserComponentError},
			fmt.Sprintf("timed out waiting for components [%s] to start", strings.Join(pending, ", ")), nil)
	default:
		return err
	}
}

// waitForServicesToStart blocks until every tracked component is RUNNING,
// or FINISHED for one-shot components, with a state change at or after
// since. A component turning BROKEN after since fails the wait at once.
// It returns the components still pending.
func (a *Activator) waitForServicesToStart(ctx context.Context, tracked []string, since time.Time) ([]string, error) {
	for {
		changed := a.graph.Changed()
		var pending []string
		for _, name := range tracked {
			c, ok := a.graph.Component(name)
			if ok && c.State == graph.StateBroken && !c.StateChangedAt.Before(since) {
				return nil, newError(KindComponentUpdate,
					[]string{CodeComponentUpdate, CodeComponentBroken},
					[]string{TypeUserComponentError},
					fmt.Sprintf("component %s is broken after deployment", name), nil)
			}
			if !ok || !a.converged(c, since) {
				pending = append(pending, name)
			}
		}
		if len(pending) == 0 {
			return nil, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return pending, context.Cause(ctx)
		}
	}
}

func (a *Activator) converged(c graph.Component, since time.Time) bool {
	if c.StateChangedAt.Before(since) {
		return false
	}
	cfg, _ := a.tree.Get(c.Name)
	if cfg.Oneshot {
		return c.State == graph.StateFinished
	}
	return c.State == graph.StateRunning || c.State == graph.StateFinished
}
