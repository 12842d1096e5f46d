package observer

import (
	"context"

	caravan "github.com/nevindra/caravan"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// ObservedStore wraps a caravan.Store and records run lifecycle metrics
// from status transitions. Every other store operation passes through
// unchanged.
type ObservedStore struct {
	caravan.Store
	inst *Instruments
}

// WrapStore returns a store that counts terminal run transitions and
// records run durations from the stamped timestamps.
func WrapStore(inner caravan.Store, inst *Instruments) *ObservedStore {
	return &ObservedStore{Store: inner, inst: inst}
}

// Init forwards schema setup to the wrapped store when it has any.
func (o *ObservedStore) Init(ctx context.Context) error {
	if init, ok := o.Store.(interface{ Init(context.Context) error }); ok {
		return init.Init(ctx)
	}
	return nil
}

func (o *ObservedStore) UpdateRunStatus(ctx context.Context, id string, status caravan.RunStatus, lastErr *caravan.RunError) (*caravan.AgentRun, error) {
	run, err := o.Store.UpdateRunStatus(ctx, id, status, lastErr)
	if err != nil || !status.Terminal() {
		return run, err
	}

	o.inst.RunCompletions.Add(ctx, 1, metric.WithAttributes(
		AttrRunAgentType.String(run.AgentType),
		AttrRunStatus.String(string(run.Status)),
	))
	if run.StartedAt > 0 && run.CompletedAt >= run.StartedAt {
		o.inst.RunDuration.Record(ctx, float64(run.CompletedAt-run.StartedAt), metric.WithAttributes(
			AttrRunAgentType.String(run.AgentType),
		))
	}

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("run reached terminal status"))
	rec.AddAttributes(
		otellog.String("run.id", run.ID),
		otellog.String("run.thread_id", run.ThreadID),
		otellog.String("run.agent_type", run.AgentType),
		otellog.String("run.status", string(run.Status)),
	)
	o.inst.Logger.Emit(ctx, rec)

	return run, err
}

var _ caravan.Store = (*ObservedStore)(nil)
