package rpc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/fleetrpc/rpc"

// tracing 封装 RPC 轮次的 OTel span 与指标。全局 provider 为 noop 时
// 所有调用都是空操作。
type tracing struct {
	tracer       trace.Tracer
	callTotal    metric.Int64Counter
	callDuration metric.Float64Histogram
	noResponse   metric.Int64Counter
}

func newTracing() *tracing {
	meter := otel.Meter(instrumentationName)
	t := &tracing{tracer: otel.Tracer(instrumentationName)}

	// 指标创建失败时退化为 nil，记录时跳过
	t.callTotal, _ = meter.Int64Counter("rpc.call.total",
		metric.WithDescription("Total number of RPC rounds"),
		metric.WithUnit("{call}"))
	t.callDuration, _ = meter.Float64Histogram("rpc.call.duration",
		metric.WithDescription("RPC round duration"),
		metric.WithUnit("s"))
	t.noResponse, _ = meter.Int64Counter("rpc.call.no_response",
		metric.WithDescription("Discovered nodes that did not reply"),
		metric.WithUnit("{node}"))
	return t
}

// start 开始一个 RPC 轮次 span
func (t *tracing) start(ctx context.Context, agent, action string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "rpc.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.agent", agent),
			attribute.String("rpc.action", action),
		))
}

// end 结束 span 并记录指标
func (t *tracing) end(ctx context.Context, span trace.Span, agent, action string, discovered, responses, noResponse int, d time.Duration, err error) {
	defer span.End()

	span.SetAttributes(
		attribute.Int("rpc.discovered", discovered),
		attribute.Int("rpc.responses", responses),
		attribute.Int("rpc.no_response", noResponse),
	)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("action", action),
		attribute.String("status", status),
	)
	if t.callTotal != nil {
		t.callTotal.Add(ctx, 1, attrs)
	}
	if t.callDuration != nil {
		t.callDuration.Record(ctx, d.Seconds(), attrs)
	}
	if t.noResponse != nil && noResponse > 0 {
		t.noResponse.Add(ctx, int64(noResponse), metric.WithAttributes(attribute.String("agent", agent)))
	}
}
