// Package telemetry wraps the OpenTelemetry spans recorded around detector
// calls and provisioning attempts.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by caro spans.
const (
	KeySeqs       = "caro.frame.seqs"
	KeyInstanceID = "caro.instance.id"
	KeyAttempt    = "caro.attempt"
	KeyPhase      = "caro.lifecycle.phase"
)

// Tracer returns the global tracer for a caro component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer("caro/" + component)
}

// Run executes fn inside a span named name. A failed fn marks the span with
// codes.Error and the trimmed error text. A nil tracer runs fn untraced.
func Run(ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	if tracer == nil {
		return fn(ctx)
	}
	spanCtx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(spanCtx); err != nil {
		Fail(span, err)
		return err
	}
	return nil
}

// Fail records err on span.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
}

// Seqs renders frame sequence ids as a span attribute.
func Seqs(seqs []uint64) attribute.KeyValue {
	vals := make([]int64, len(seqs))
	for i, s := range seqs {
		vals[i] = int64(s)
	}
	return attribute.Int64Slice(KeySeqs, vals)
}
