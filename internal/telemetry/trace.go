package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used for pipeline spans.
const TracerName = "gatekeeper/pipeline"

// StartSpan creates a new span for a pipeline stage.
//
//	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerName, "stage.authorize",
//	    attribute.String(telemetry.AttrPermission, "approve_request"),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Common attribute keys
const (
	AttrRequestID   = "gatekeeper.request_id"
	AttrRoute       = "gatekeeper.route"
	AttrStage       = "gatekeeper.stage"
	AttrOrigin      = "gatekeeper.origin"
	AttrOriginEvent = "gatekeeper.origin_event"
	AttrSubject     = "principal.subject"
	AttrPermission  = "policy.permission"
	AttrAllowed     = "policy.allowed"
	AttrErrorKind   = "gatekeeper.error_kind"
)
