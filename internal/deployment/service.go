package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"edgeagent/internal/clock"
	"edgeagent/internal/configtree"
)

// Service is the single deployment executor. It pulls one deployment at a
// time from its queue and drives it to a terminal status.
type Service struct {
	queue     *Queue
	activator *Activator
	status    *StatusKeeper

	store   Store
	metrics *Metrics
	clock   clock.Clock
	logger  *slog.Logger
	newID   func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStore enables bootstrap checkpoints, effective configuration
// persistence and status history.
func WithStore(st Store) ServiceOption { return func(s *Service) { s.store = st } }

func WithMetrics(m *Metrics) ServiceOption { return func(s *Service) { s.metrics = m } }
func WithServiceClock(c clock.Clock) ServiceOption { return func(s *Service) { s.clock = c } }
func WithServiceLogger(l *slog.Logger) ServiceOption { return func(s *Service) { s.logger = l } }

// WithIDGenerator replaces the ID assigned to deployments submitted without one.
func WithIDGenerator(fn func() string) ServiceOption { return func(s *Service) { s.newID = fn } }

// NewService creates the executor. The activator's convergence wait is
// made interruptible by the service queue unless it already has an
// interruptor.
func NewService(a *Activator, status *StatusKeeper, opts ...ServiceOption) *Service {
	s := &Service{
		activator: a,
		status:    status,
		clock:     clock.Real{},
		logger:    slog.Default(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = NewQueue(WithDiscardHandler(s.discarded), WithQueueLogger(s.logger))
	if a.interruptor == nil {
		a.interruptor = s.queue
	}
	return s
}

// Queue returns the intake queue.
func (s *Service) Queue() *Queue { return s.queue }

// Submit queues d and returns its ID. It never blocks on execution.
func (s *Service) Submit(d Deployment) string {
	if d.ID == "" {
		d.ID = s.newID()
	}
	if d.Received.IsZero() {
		d.Received = s.clock.Now()
	}
	if !d.Stage.IsValid() {
		d.Stage = StageDefault
	}
	s.queue.Submit(d)
	return d.ID
}

// discarded runs on the submitter's goroutine, so delivery is queued.
func (s *Service) discarded(d Deployment, detailed DetailedStatus) {
	u := s.statusOf(d, &Result{Detailed: detailed}, time.Time{})
	if s.status != nil {
		s.status.Enqueue(u)
	}
}

// Run executes deployments until ctx is done. A *ShutdownError is returned
// when a deployment needs the agent relaunched.
func (s *Service) Run(ctx context.Context) error {
	for {
		d, err := s.queue.Next(ctx)
		if err != nil {
			return nil
		}
		err = s.execute(ctx, d)
		s.queue.Done()
		if err != nil {
			return err
		}
	}
}

func (s *Service) execute(ctx context.Context, d Deployment) error {
	start := s.clock.Now()
	log := s.logger.With("deployment_id", d.ID, "deployment_type", d.Type.String(), "stage", d.Stage.String())
	log.Info("executing deployment")

	var res *Result
	switch d.Stage {
	case StageDefault:
		s.report(ctx, d, nil, start)
		var err error
		res, err = s.activate(ctx, log, d)
		if err != nil {
			return err
		}
	case StageKernelActivation:
		var err error
		res, err = s.resumeActivation(ctx, log, d)
		if err != nil {
			return err
		}
	case StageBootstrap:
		res = s.bootstrapFailed(log, d)
	case StageKernelRollback, StageRollbackBootstrap:
		res = s.resumeRollback(ctx, log, d)
	default:
		cause := newError(KindBootstrap, []string{CodeBootstrap}, []string{TypeNucleusError},
			fmt.Sprintf("deployment cannot be executed from stage %s", d.Stage), nil)
		res = &Result{Detailed: DetailedFailedNoStateChange, Cause: cause}
	}
	if res == nil {
		return nil
	}

	s.finish(log, d, res)
	s.report(ctx, d, res, start)
	return nil
}

func (s *Service) activate(ctx context.Context, log *slog.Logger, d Deployment) (*Result, error) {
	doc, err := ParseDocument(d.Document)
	if err != nil {
		log.Warn("deployment document rejected", "err", err)
		return &Result{Detailed: DetailedFailedNoStateChange, Cause: err}, nil
	}
	tasks := BootstrapTasks(s.activator.tree.Components(), doc.Components)
	if len(tasks) == 0 || s.store == nil {
		return s.activator.Activate(ctx, d, doc), nil
	}
	if err := s.activator.Validate(doc); err != nil {
		log.Warn("deployment rejected", "err", err)
		return &Result{Detailed: DetailedFailedNoStateChange, Cause: err}, nil
	}

	var snapshot []byte
	if doc.AutoRollback() {
		if snapshot, err = s.activator.tree.Snapshot(); err != nil {
			cause := newError(KindSnapshot, []string{CodeSnapshot}, []string{TypeNucleusError}, "take configuration snapshot", err)
			return &Result{Detailed: DetailedFailedNoStateChange, Cause: cause}, nil
		}
	}
	if _, err := PrepareBootstrap(s.store, d, doc, snapshot, tasks); err != nil {
		if clearErr := s.store.ClearCheckpoint(); clearErr != nil {
			log.Error("clear deployment checkpoint failed", "err", clearErr)
		}
		cause := newError(KindPersistence, []string{CodeIOWrite}, []string{TypeNucleusError}, "persist bootstrap deployment", err)
		return &Result{Detailed: DetailedFailedNoStateChange, Cause: cause}, nil
	}
	log.Info("deployment requires bootstrap, restarting", "tasks", len(tasks))
	return nil, &ShutdownError{Kind: ShutdownRestart, Reason: "bootstrap deployment " + d.ID}
}

// resumeActivation waits for a configuration applied across a restart.
// Every component started fresh in this process, so any success state
// counts.
func (s *Service) resumeActivation(ctx context.Context, log *slog.Logger, d Deployment) (*Result, error) {
	doc, err := ParseDocument(d.Document)
	if err != nil {
		return &Result{Detailed: DetailedFailedUnableToRollback, Cause: err}, nil
	}
	tracked := s.trackAll(doc.Components)
	log.Info("waiting for components to start after restart", "components", tracked)
	err = s.activator.Converge(ctx, tracked, time.Time{}, s.activator.timeoutFor(doc))
	switch {
	case err == nil:
		return &Result{Detailed: DetailedSuccessful}, nil
	case IsKind(err, KindInterrupted):
		return nil, nil
	case IsKind(err, KindCanceled):
		return &Result{Detailed: DetailedCanceled}, nil
	case !doc.AutoRollback() || s.store == nil:
		return &Result{Detailed: DetailedFailedRollbackNotRequested, Cause: err}, nil
	}

	next, perr := PrepareRollback(s.store, d, err)
	if perr != nil {
		log.Error("prepare rollback failed", "err", perr)
		return &Result{Detailed: DetailedFailedUnableToRollback, Cause: err}, nil
	}
	log.Warn("deployment failed after restart, restarting into rollback", "err", err, "next_stage", next.Stage.String())
	return nil, &ShutdownError{Kind: ShutdownRestart, Reason: "roll back deployment " + d.ID}
}

// bootstrapFailed reports a deployment whose bootstrap failed with no
// rollback prepared. Its target configuration was never applied.
func (s *Service) bootstrapFailed(log *slog.Logger, d Deployment) *Result {
	cause := RestoreFailure(d)
	detailed := DetailedFailedRollbackNotRequested
	if doc, err := ParseDocument(d.Document); err == nil && doc.AutoRollback() {
		detailed = DetailedFailedUnableToRollback
	}
	log.Error("bootstrap failed without rollback", "detailed_status", string(detailed))
	return &Result{Detailed: detailed, Cause: cause}
}

// resumeRollback finishes a rollback applied across a restart. The cause
// reported is the failure recorded before the restart.
func (s *Service) resumeRollback(ctx context.Context, log *slog.Logger, d Deployment) *Result {
	cause := RestoreFailure(d)
	if d.Stage == StageRollbackBootstrap {
		log.Error("rollback bootstrap failed")
		return &Result{Detailed: DetailedFailedUnableToRollback, Cause: cause}
	}
	tracked := s.trackAll(s.activator.tree.Components())
	timeout := s.activator.timeout
	if doc, err := ParseDocument(d.Document); err == nil {
		timeout = s.activator.timeoutFor(doc)
	}
	err := s.activator.Converge(ctx, tracked, time.Time{}, timeout)
	switch {
	case err == nil:
		return &Result{Detailed: DetailedFailedRollbackComplete, Cause: cause}
	case IsKind(err, KindInterrupted):
		return nil
	default:
		log.Error("rollback did not converge", "err", err)
		return &Result{Detailed: DetailedFailedUnableToRollback, Cause: cause}
	}
}

func (s *Service) trackAll(components map[string]configtree.Component) []string {
	auto := s.activator.runtime.AutoStartable()
	var out []string
	for _, name := range slices.Sorted(maps.Keys(components)) {
		if auto[name] {
			out = append(out, name)
		}
	}
	return out
}

// finish persists what a terminal result leaves behind. The live tree is
// saved whenever the deployment may have changed it, so a relaunch comes
// back to what was running.
func (s *Service) finish(log *slog.Logger, d Deployment, res *Result) {
	if s.store == nil {
		return
	}
	if res.Detailed != DetailedFailedNoStateChange {
		data, err := s.activator.tree.Snapshot()
		if err == nil {
			err = s.store.SaveEffectiveConfig(data)
		}
		if err != nil {
			log.Error("persist effective configuration failed", "err", err)
		}
	}
	if d.Stage != StageDefault {
		if err := s.store.ClearCheckpoint(); err != nil {
			log.Error("clear deployment checkpoint failed", "err", err)
		}
	}
}

func (s *Service) report(ctx context.Context, d Deployment, res *Result, start time.Time) {
	u := s.statusOf(d, res, start)
	if s.status != nil {
		s.status.Publish(ctx, u)
	}
}

// statusOf builds the update for res and records its metrics.
func (s *Service) statusOf(d Deployment, res *Result, start time.Time) StatusUpdate {
	u := NewStatusUpdate(d, res, s.clock.Now())
	if res != nil {
		var took time.Duration
		if !start.IsZero() {
			took = u.At.Sub(start)
		}
		s.metrics.ObserveResult(d.Type, res.Detailed, took)
		s.logger.Info("deployment finished", "deployment_id", d.ID, "status", string(u.Status),
			"detailed_status", string(u.Detailed), "error_stack", u.ErrorStack)
	}
	return u
}

// IsShutdown reports whether err asks for the agent to be relaunched.
func IsShutdown(err error) (*ShutdownError, bool) {
	var se *ShutdownError
	ok := errors.As(err, &se)
	return se, ok
}
