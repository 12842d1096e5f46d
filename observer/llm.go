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

// ObservedClient wraps a caravan.LLMClient with OTEL instrumentation.
type ObservedClient struct {
	inner    caravan.LLMClient
	inst     *Instruments
	provider string
}

// WrapLLMClient returns an instrumented client that emits traces,
// metrics, and logs. provider labels the backend ("openai",
// "openrouter", ...); the model label comes from each request.
func WrapLLMClient(inner caravan.LLMClient, provider string, inst *Instruments) *ObservedClient {
	return &ObservedClient{inner: inner, inst: inst, provider: provider}
}

func (o *ObservedClient) Generate(ctx context.Context, req caravan.GenerateRequest) (*caravan.LLMResponse, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(req.Model),
			AttrLLMProvider.String(o.provider),
		),
	}
	spanName := "llm.generate"
	method := "generate"
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "llm.generate_with_tools"
		method = "generate_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Generate(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	var usage *caravan.Usage
	if resp != nil {
		usage = resp.Usage
	}
	o.record(ctx, span, req.Model, method, status, durationMs, usage)
	return resp, err
}

// GenerateStream instruments the whole stream: the span stays open until
// the inner channel closes, and metrics are recorded from the final
// usage chunk.
func (o *ObservedClient) GenerateStream(ctx context.Context, req caravan.GenerateRequest) (<-chan caravan.LLMChunk, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.generate_stream", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.provider),
	))
	start := time.Now()

	src, err := o.inner.GenerateStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.record(ctx, span, req.Model, "generate_stream", "error", float64(time.Since(start).Milliseconds()), nil)
		span.End()
		return nil, err
	}

	out := make(chan caravan.LLMChunk, max(cap(src), 16))
	go func() {
		defer close(out)
		defer span.End()

		var usage *caravan.Usage
		var streamErr error
		chunks := 0
	forward:
		for chunk := range src {
			chunks++
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				streamErr = ctx.Err()
				break forward
			}
		}

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if streamErr != nil {
			status = "error"
			span.RecordError(streamErr)
			span.SetStatus(codes.Error, streamErr.Error())
		}
		span.SetAttributes(AttrStreamChunks.Int(chunks))
		o.record(ctx, span, req.Model, "generate_stream", status, durationMs, usage)
	}()
	return out, nil
}

func (o *ObservedClient) CountTokens(ctx context.Context, messages []caravan.Message, model string) (int, error) {
	return o.inner.CountTokens(ctx, messages, model)
}

func (o *ObservedClient) FormatTools(tools []caravan.ToolDefinition) (json.RawMessage, error) {
	return o.inner.FormatTools(tools)
}

func (o *ObservedClient) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage *caravan.Usage) {
	var prompt, completion int
	if usage != nil {
		prompt = usage.PromptTokens
		completion = usage.CompletionTokens
	}
	cost := o.inst.Cost.Calculate(model, prompt, completion)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.provider),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensPrompt.Int(prompt),
		AttrTokensCompletion.Int(completion),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(prompt), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.provider),
		attribute.String("direction", "prompt"),
	))
	o.inst.TokenUsage.Add(ctx, int64(completion), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.provider),
		attribute.String("direction", "completion"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.provider),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.provider),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.prompt", prompt),
		otellog.Int("llm.tokens.completion", completion),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var _ caravan.LLMClient = (*ObservedClient)(nil)
