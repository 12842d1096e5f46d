package observer

import (
	"context"
	"encoding/json"
	"time"

	caravan "github.com/nevindra/caravan"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a caravan.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner caravan.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner caravan.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Definitions() []caravan.ToolDefinition {
	return o.inner.Definitions()
}

func (o *ObservedTool) Execute(ctx context.Context, name string, args map[string]any) (caravan.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	size := resultBytes(result)
	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultBytes.Int(size),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_bytes", size),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// resultBytes sizes the result payload without assuming its shape.
func resultBytes(res caravan.ToolResult) int {
	switch v := res.Data.(type) {
	case nil:
		return len(res.Error)
	case string:
		return len(v)
	case []byte:
		return len(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		return len(data)
	}
}

var _ caravan.Tool = (*ObservedTool)(nil)
