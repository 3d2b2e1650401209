package middleware

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rzbill/runnel/pkg/runnel"
)

const tracerName = "github.com/rzbill/runnel"

type tracingOptions struct {
	provider trace.TracerProvider
}

type TracingOption func(*tracingOptions)

// WithTracerProvider uses tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(o *tracingOptions) { o.provider = tp }
}

// Tracing opens a consumer span per handler run and a child span per record
// the handler receives. A record span ends when the handler moves on; the
// run span records the handler error.
func Tracing(opts ...TracingOption) runnel.Middleware {
	var o tracingOptions
	for _, opt := range opts {
		opt(&o)
	}
	return func(next runnel.RawHandler) runnel.RawHandler {
		return func(ctx context.Context, it runnel.Iterator) error {
			tp := o.provider
			if tp == nil {
				tp = otel.GetTracerProvider()
			}
			tracer := tp.Tracer(tracerName)
			ctx, run := tracer.Start(ctx, "runnel.handle", trace.WithSpanKind(trace.SpanKindConsumer))
			defer run.End()

			var (
				cur     trace.Span
				records int
			)
			wrapped := &hooked{Iterator: it, onRecord: func(e runnel.Entry) {
				if cur != nil {
					cur.End()
				}
				records++
				_, cur = tracer.Start(ctx, "runnel.record",
					trace.WithSpanKind(trace.SpanKindConsumer),
					trace.WithAttributes(recordAttributes(e)...))
			}}
			err := next(ctx, wrapped)
			if cur != nil {
				if err != nil {
					cur.RecordError(err)
					cur.SetStatus(codes.Error, err.Error())
				}
				cur.End()
			}
			run.SetAttributes(attribute.Int("runnel.records", records))
			if err != nil {
				run.RecordError(err)
				run.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

func recordAttributes(e runnel.Entry) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int("runnel.partition", e.Partition),
		attribute.String("runnel.seq", strconv.FormatUint(e.Seq, 10)),
		attribute.Int("runnel.deliveries", e.Deliveries),
	}
	if e.ID != "" {
		attrs = append(attrs, attribute.String("runnel.id", e.ID))
	}
	if e.Key != "" {
		attrs = append(attrs, attribute.String("runnel.key", e.Key))
	}
	return attrs
}
