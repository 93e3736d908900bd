package deployment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrCanceled is the cause of an interruptible wait aborted by a newer
// submission or an explicit cancellation request.
var ErrCanceled = errors.New("deployment canceled")

// DiscardFunc is told about a deployment that will never execute.
type DiscardFunc func(d Deployment, detailed DetailedStatus)

// Queue holds the active deployment and at most one pending deployment.
// A newer submission replaces the pending one; it cancels the active one
// only while that one is in its interruptible wait.
type Queue struct {
	mu        sync.Mutex
	active    *Deployment
	pending   *Deployment
	interrupt context.CancelCauseFunc
	wake      chan struct{}

	onDiscard DiscardFunc
	logger    *slog.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithDiscardHandler is called outside the queue lock for every deployment
// dropped from the pending slot.
func WithDiscardHandler(fn DiscardFunc) QueueOption {
	return func(q *Queue) { q.onDiscard = fn }
}

func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates an empty queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		wake:   make(chan struct{}, 1),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit offers d to the queue. It never blocks.
func (q *Queue) Submit(d Deployment) {
	q.mu.Lock()
	var discarded *Deployment
	var detailed DetailedStatus
	switch {
	case d.Cancel:
		discarded = q.cancelLocked(d)
		detailed = DetailedCanceled
	case q.active != nil && sameDeployment(*q.active, d):
		q.logger.Info("ignoring duplicate of active deployment", "deployment_id", d.ID, "deployment_type", d.Type.String())
	case q.pending != nil && sameDeployment(*q.pending, d):
		q.logger.Info("ignoring duplicate of enqueued deployment", "deployment_id", d.ID, "deployment_type", d.Type.String())
	default:
		if q.pending != nil {
			q.logger.Info("new deployment replacing enqueued deployment",
				"deployment_id", d.ID, "discarded_deployment_id", q.pending.ID)
			discarded = q.pending
			detailed = DetailedReplaced
		}
		next := d
		q.pending = &next
		if q.active != nil && q.interrupt != nil {
			q.logger.Info("canceling active deployment for newer submission",
				"deployment_id", q.active.ID, "next_deployment_id", d.ID)
			q.interrupt(ErrCanceled)
		}
		q.signalLocked()
	}
	onDiscard := q.onDiscard
	q.mu.Unlock()

	if discarded != nil && onDiscard != nil {
		onDiscard(*discarded, detailed)
	}
}

func (q *Queue) cancelLocked(d Deployment) *Deployment {
	if q.pending != nil && q.pending.ID == d.ID {
		dropped := q.pending
		q.pending = nil
		q.logger.Info("canceled enqueued deployment", "deployment_id", d.ID)
		return dropped
	}
	if q.active != nil && q.active.ID == d.ID {
		if q.interrupt == nil {
			q.logger.Info("active deployment cannot be canceled outside its wait for components", "deployment_id", d.ID)
			return nil
		}
		q.logger.Info("canceling active deployment", "deployment_id", d.ID)
		q.interrupt(ErrCanceled)
		return nil
	}
	q.logger.Info("no deployment to cancel", "deployment_id", d.ID)
	return nil
}

func sameDeployment(a, b Deployment) bool {
	return a.ID != "" && a.ID == b.ID && a.Type == b.Type
}

func (q *Queue) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next waits until no deployment is active and one is pending, then makes
// the pending one active.
func (q *Queue) Next(ctx context.Context) (Deployment, error) {
	for {
		q.mu.Lock()
		if q.active == nil && q.pending != nil {
			q.active = q.pending
			q.pending = nil
			d := *q.active
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return Deployment{}, ctx.Err()
		}
	}
}

// Done clears the active deployment.
func (q *Queue) Done() {
	q.mu.Lock()
	q.active = nil
	if q.interrupt != nil {
		q.interrupt(nil)
		q.interrupt = nil
	}
	q.signalLocked()
	q.mu.Unlock()
}

// Interruptible implements Interruptor.
func (q *Queue) Interruptible(ctx context.Context) (context.Context, func()) {
	waitCtx, cancel := context.WithCancelCause(ctx)
	q.mu.Lock()
	q.interrupt = cancel
	q.mu.Unlock()
	return waitCtx, func() {
		q.mu.Lock()
		q.interrupt = nil
		q.mu.Unlock()
		cancel(nil)
	}
}

// Active returns the deployment being executed.
func (q *Queue) Active() (Deployment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return Deployment{}, false
	}
	return *q.active, true
}

// Pending returns the deployment waiting for the executor.
func (q *Queue) Pending() (Deployment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return Deployment{}, false
	}
	return *q.pending, true
}

// Waiting reports whether the active deployment is in its interruptible
// wait.
func (q *Queue) Waiting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil && q.interrupt != nil
}
