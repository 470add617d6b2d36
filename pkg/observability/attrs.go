package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Platform semantic convention attributes. Metric attributes stay on the
// bounded keys (stage, capability id, task, sink); identifiers belong on
// spans only.
var (
	AttrRoute  = attribute.Key("http.route")
	AttrMethod = attribute.Key("http.request.method")
	AttrStatus = attribute.Key("http.response.status_code")

	AttrDocumentID   = attribute.Key("chitty.document.id")
	AttrDocumentType = attribute.Key("chitty.document.type")

	AttrExecutionID   = attribute.Key("chitty.pipeline.execution_id")
	AttrPipelineStage = attribute.Key("chitty.pipeline.stage")

	AttrCapabilityID      = attribute.Key("chitty.capability.id")
	AttrCapabilityVersion = attribute.Key("chitty.capability.version")
	AttrInvocationSuccess = attribute.Key("chitty.invocation.success")

	AttrEntityType = attribute.Key("chitty.entity.type")
	AttrEntityID   = attribute.Key("chitty.entity.id")

	AttrSessionID = attribute.Key("chitty.session.id")
	AttrSink      = attribute.Key("chitty.export.sink")
	AttrTask      = attribute.Key("chitty.task")
)

// HTTPOperation builds attributes for one served request. Route is the
// normalized route, never the raw path.
func HTTPOperation(method, route string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMethod.String(method),
		AttrRoute.String(route),
		AttrStatus.Int(status),
	}
}

// PipelineStage builds attributes for one intake stage run.
func PipelineStage(stage string, failed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPipelineStage.String(stage),
		attribute.Bool("chitty.pipeline.stage_failed", failed),
	}
}

// CapabilityInvocation builds attributes for one recorded invocation.
func CapabilityInvocation(capabilityID string, success bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapabilityID.String(capabilityID),
		AttrInvocationSuccess.Bool(success),
	}
}

// ScheduledTask builds attributes for one background task run.
func ScheduledTask(name string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrTask.String(name)}
}

// ExportDelivery builds attributes for one sink delivery attempt.
func ExportDelivery(sink string, delivered bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSink.String(sink),
		attribute.Bool("chitty.export.delivered", delivered),
	}
}

// SpanFromContext extracts the current span; a no-op span when absent.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
