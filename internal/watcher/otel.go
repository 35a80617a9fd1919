package watcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tracyhatemice/mailwatch/internal/watcher"

// instrumentation wraps the tracer and meters of one watcher. Without
// explicit providers the global ones are used, which are no-ops unless the
// host installs an SDK.
type instrumentation struct {
	tracer trace.Tracer

	batches        metric.Int64Counter
	fetched        metric.Int64Counter
	dispatched     metric.Int64Counter
	decodeErrors   metric.Int64Counter
	dispatchErrors metric.Int64Counter
	batchDuration  metric.Float64Histogram
}

func newInstrumentation(o *options) (*instrumentation, error) {
	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := o.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	i := &instrumentation{tracer: tp.Tracer(instrumentationName)}
	var err error
	if i.batches, err = meter.Int64Counter("mailwatch.batch.count",
		metric.WithDescription("Number of fetch triggers that searched a mailbox")); err != nil {
		return nil, err
	}
	if i.fetched, err = meter.Int64Counter("mailwatch.message.fetched",
		metric.WithDescription("Messages delivered by fetch streams")); err != nil {
		return nil, err
	}
	if i.dispatched, err = meter.Int64Counter("mailwatch.message.dispatched",
		metric.WithDescription("Events handed to the dispatcher")); err != nil {
		return nil, err
	}
	if i.decodeErrors, err = meter.Int64Counter("mailwatch.decode.errors",
		metric.WithDescription("Messages that failed to decode")); err != nil {
		return nil, err
	}
	if i.dispatchErrors, err = meter.Int64Counter("mailwatch.dispatch.errors",
		metric.WithDescription("Events whose handlers returned an error")); err != nil {
		return nil, err
	}
	if i.batchDuration, err = meter.Float64Histogram("mailwatch.batch.duration",
		metric.WithDescription("Duration of a fetch trigger"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return i, nil
}

func (i *instrumentation) startBatch(ctx context.Context, mailbox string) (context.Context, trace.Span) {
	i.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("mailbox", mailbox)))
	return i.tracer.Start(ctx, "mailwatch.batch",
		trace.WithAttributes(attribute.String("mailbox", mailbox)))
}

func (i *instrumentation) endBatch(ctx context.Context, span trace.Span, mailbox string, start time.Time, s *batchStats, err error) {
	attrs := metric.WithAttributes(attribute.String("mailbox", mailbox))
	i.batchDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if s != nil {
		i.fetched.Add(ctx, s.fetched.Load(), attrs)
		i.dispatched.Add(ctx, s.dispatched.Load(), attrs)
		i.decodeErrors.Add(ctx, s.decodeFailed.Load(), attrs)
		i.dispatchErrors.Add(ctx, s.dispatchFailed.Load(), attrs)
		span.SetAttributes(
			attribute.Int64("mailwatch.fetched", s.fetched.Load()),
			attribute.Int64("mailwatch.dispatched", s.dispatched.Load()),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
