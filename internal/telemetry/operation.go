package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "edgeagent/deployment"

	PlanEventName   = "edgeagent.plan"
	PlanJSONKey     = "edgeagent.plan.json"
	DeploymentIDKey = "edgeagent.deployment.id"
	DeploymentKey   = "edgeagent.deployment.type"
	StageKey        = "edgeagent.deployment.stage"
	OutcomeKey      = "edgeagent.deployment.outcome"
)

// Step is one planned phase of a deployment attempt.
type Step struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Operation is the root span of one deployment attempt. Phases run as
// child spans through RunStep. A nil Operation runs steps untraced.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// Begin starts the root span and records the planned steps as an event.
func Begin(ctx context.Context, tracer trace.Tracer, deploymentID, deploymentType, stage string, steps []Step) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("begin deployment span: tracer is required")
	}
	seen := make(map[string]bool, len(steps))
	for i, step := range steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return nil, fmt.Errorf("begin deployment span: step %d has empty id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("begin deployment span: duplicate step id %q", id)
		}
		seen[id] = true
	}
	planJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("begin deployment span: marshal plan: %w", err)
	}

	attrs := []attribute.KeyValue{
		attribute.String(DeploymentIDKey, deploymentID),
		attribute.String(DeploymentKey, deploymentType),
		attribute.String(StageKey, stage),
	}
	spanCtx, span := tracer.Start(ctx, "deployment", trace.WithAttributes(attrs...))
	span.AddEvent(PlanEventName, trace.WithAttributes(attribute.String(PlanJSONKey, string(planJSON))))
	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

// Context returns the root span context.
func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn inside a child span named id.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("run deployment step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}

	stepCtx, span := o.tracer.Start(ctx, id)
	defer span.End()

	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// End closes the root span with the attempt outcome.
func (o *Operation) End(outcome string, err error) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(attribute.String(OutcomeKey, outcome))
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}
