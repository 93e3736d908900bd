package deployment

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"edgeagent/internal/clock"
)

// StatusUpdate is one status report for a deployment.
type StatusUpdate struct {
	DeploymentID string         `json:"deployment_id"`
	Type         Type           `json:"deployment_type"`
	Status       Status         `json:"status"`
	Detailed     DetailedStatus `json:"detailed_status,omitempty"`
	FailureCause string         `json:"failure_cause,omitempty"`
	ErrorStack   []string       `json:"error_stack,omitempty"`
	ErrorTypes   []string       `json:"error_types,omitempty"`
	At           time.Time      `json:"at"`
}

// Terminal reports whether no further update follows for the deployment.
func (u StatusUpdate) Terminal() bool {
	return u.Status != StatusInProgress
}

// Map flattens the update for consumers that forward it as a document.
func (u StatusUpdate) Map() map[string]any {
	m := map[string]any{
		"deployment_id":   u.DeploymentID,
		"deployment_type": u.Type.String(),
		"status":          string(u.Status),
	}
	if u.Detailed != "" {
		m["detailed_status"] = string(u.Detailed)
	}
	if u.FailureCause != "" {
		m["failure_cause"] = u.FailureCause
	}
	if len(u.ErrorStack) > 0 {
		m["error_stack"] = slices.Clone(u.ErrorStack)
	}
	if len(u.ErrorTypes) > 0 {
		m["error_types"] = slices.Clone(u.ErrorTypes)
	}
	return m
}

// NewStatusUpdate builds the update reported for d. A nil result reports
// IN_PROGRESS.
func NewStatusUpdate(d Deployment, res *Result, at time.Time) StatusUpdate {
	u := StatusUpdate{DeploymentID: d.ID, Type: d.Type, Status: StatusInProgress, At: at}
	if res == nil {
		return u
	}
	u.Status = res.Status()
	u.Detailed = res.Detailed
	if res.Cause != nil {
		u.FailureCause = res.Cause.Error()
		u.ErrorStack = ErrorStack(res.Cause)
		u.ErrorTypes = ErrorTypes(res.Cause)
	}
	return u
}

// Consumer receives status updates for one deployment type. A returned
// error asks for redelivery.
type Consumer func(u StatusUpdate) error

type namedConsumer struct {
	name string
	fn   Consumer
}

// StatusKeeper fans status updates out to consumers registered per
// deployment type and records them in the status history. Every consumer
// sees every update at least once unless retries are exhausted.
type StatusKeeper struct {
	mu        sync.Mutex
	consumers map[Type][]namedConsumer

	queueMu  sync.Mutex
	queued   []StatusUpdate
	draining bool

	history    StatusHistory
	clock      clock.Clock
	logger     *slog.Logger
	newBackoff func() backoff.BackOff
}

// StatusOption configures a StatusKeeper.
type StatusOption func(*StatusKeeper)

func WithStatusHistory(h StatusHistory) StatusOption {
	return func(k *StatusKeeper) { k.history = h }
}

func WithStatusClock(c clock.Clock) StatusOption {
	return func(k *StatusKeeper) { k.clock = c }
}

func WithStatusLogger(l *slog.Logger) StatusOption {
	return func(k *StatusKeeper) { k.logger = l }
}

// WithDeliveryBackoff sets the retry schedule for failing consumers.
func WithDeliveryBackoff(newBackoff func() backoff.BackOff) StatusOption {
	return func(k *StatusKeeper) { k.newBackoff = newBackoff }
}

// NewStatusKeeper creates a keeper with no consumers.
func NewStatusKeeper(opts ...StatusOption) *StatusKeeper {
	k := &StatusKeeper{
		consumers: make(map[Type][]namedConsumer),
		clock:     clock.Real{},
		logger:    slog.Default(),
		newBackoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(200*time.Millisecond),
				backoff.WithMaxInterval(5*time.Second),
				backoff.WithMaxElapsedTime(2*time.Minute),
			)
		},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// RegisterStatusConsumer adds fn for deployments of type t. Registering
// the same name twice replaces the earlier consumer.
func (k *StatusKeeper) RegisterStatusConsumer(t Type, name string, fn Consumer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	list := k.consumers[t]
	for i, c := range list {
		if c.name == name {
			list[i].fn = fn
			return
		}
	}
	k.consumers[t] = append(list, namedConsumer{name: name, fn: fn})
}

// Publish records u and delivers it to every consumer of its type. It
// returns once each consumer accepted it or gave up.
func (k *StatusKeeper) Publish(ctx context.Context, u StatusUpdate) {
	k.deliver(ctx, k.record(u))
}

// Enqueue records u and returns at once. Delivery happens on a background
// goroutine, in enqueue order, with the same retries as Publish.
func (k *StatusKeeper) Enqueue(u StatusUpdate) {
	u = k.record(u)
	k.queueMu.Lock()
	k.queued = append(k.queued, u)
	start := !k.draining
	k.draining = true
	k.queueMu.Unlock()
	if start {
		go k.drain()
	}
}

func (k *StatusKeeper) drain() {
	for {
		k.queueMu.Lock()
		if len(k.queued) == 0 {
			k.draining = false
			k.queueMu.Unlock()
			return
		}
		u := k.queued[0]
		k.queued = k.queued[1:]
		k.queueMu.Unlock()
		k.deliver(context.Background(), u)
	}
}

func (k *StatusKeeper) record(u StatusUpdate) StatusUpdate {
	if u.At.IsZero() {
		u.At = k.clock.Now()
	}
	if k.history != nil {
		if err := k.history.AppendStatus(u); err != nil {
			k.logger.Warn("store deployment status failed", "deployment_id", u.DeploymentID, "err", err)
		} else {
			k.logger.Debug("stored deployment status", "deployment_id", u.DeploymentID, "status", string(u.Status))
		}
	}
	return u
}

func (k *StatusKeeper) deliver(ctx context.Context, u StatusUpdate) {
	k.mu.Lock()
	consumers := slices.Clone(k.consumers[u.Type])
	k.mu.Unlock()

	for _, c := range consumers {
		attempt := 0
		op := func() error {
			attempt++
			if err := c.fn(u); err != nil {
				k.logger.Debug("status consumer rejected update", "consumer", c.name, "deployment_id", u.DeploymentID, "attempt", attempt, "err", err)
				return fmt.Errorf("deliver status to %s: %w", c.name, err)
			}
			return nil
		}
		if err := backoff.Retry(op, backoff.WithContext(k.newBackoff(), ctx)); err != nil {
			k.logger.Warn("status delivery abandoned", "consumer", c.name, "deployment_id", u.DeploymentID,
				"status", string(u.Status), "err", err)
		}
	}
}
