// Package telemetry wires OpenTelemetry tracing and metrics around the
// driver's hot paths (kernel spec §6.6): one span per drive and one per
// tool dispatch, a counter of LLM retry attempts (no span), plus
// gauges/histograms for pending-subdialog depth and write-back/course-log
// latency. Grounded on
// intelligencedev-manifold's internal/telemetry (Config-gated Setup
// returning a shutdown func, otlptracehttp exporter, resource attributes)
// generalized from a single tracer-provider bootstrap to the kernel's own
// named spans and metric instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config gates whether telemetry exports anywhere, mirroring the
// bitop-dev-agent's "Enabled && Endpoint set, else no-op" gate.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Telemetry holds the tracer and the driver-specific metric instruments. A
// nil *Telemetry is valid everywhere it is used (every method is a no-op
// on a nil receiver), so callers that never configure telemetry pay no
// cost and need no extra nil checks at call sites beyond the instance
// itself.
type Telemetry struct {
	tracer trace.Tracer

	driveDuration   metric.Float64Histogram
	retryAttempts   metric.Int64Counter
	toolDuration    metric.Float64Histogram
	pendingDepth    metric.Int64Gauge
	writebackLatency metric.Float64Histogram
	courseAppendLatency metric.Float64Histogram
}

// Setup initializes OpenTelemetry tracing and metrics and returns the
// resulting Telemetry plus a shutdown function to defer. When
// cfg.Enabled is false or cfg.Endpoint is empty, Setup returns a non-nil
// Telemetry backed by the global no-op providers and a no-op shutdown,
// so callers never need to special-case "telemetry off".
func Setup(ctx context.Context, cfg Config) (*Telemetry, func(context.Context) error, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return newFromProviders(otel.GetTracerProvider(), otel.GetMeterProvider()), func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	t := newFromProviders(tp, mp)
	shutdown := func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}
	return t, shutdown, nil
}

func newFromProviders(tp trace.TracerProvider, mp metric.MeterProvider) *Telemetry {
	tracer := tp.Tracer("github.com/dialogkernel/kernel/pkg/kernel/driver")
	meter := mp.Meter("github.com/dialogkernel/kernel/pkg/kernel/driver")

	driveDuration, _ := meter.Float64Histogram("kernel.drive.duration", metric.WithUnit("s"))
	retryAttempts, _ := meter.Int64Counter("kernel.llm.retry_attempts")
	toolDuration, _ := meter.Float64Histogram("kernel.tool.duration", metric.WithUnit("s"))
	pendingDepth, _ := meter.Int64Gauge("kernel.pending_subdialogs.depth")
	writebackLatency, _ := meter.Float64Histogram("kernel.writeback.flush_latency", metric.WithUnit("s"))
	courseAppendLatency, _ := meter.Float64Histogram("kernel.course_log.append_latency", metric.WithUnit("s"))

	return &Telemetry{
		tracer:              tracer,
		driveDuration:       driveDuration,
		retryAttempts:       retryAttempts,
		toolDuration:        toolDuration,
		pendingDepth:        pendingDepth,
		writebackLatency:    writebackLatency,
		courseAppendLatency: courseAppendLatency,
	}
}

// StartDrive opens the one-span-per-drive that wraps a whole Drive call
// (kernel spec §4.8). The returned end func records the span's outcome
// and the drive-duration histogram; call it exactly once on every exit
// path.
func (t *Telemetry) StartDrive(ctx context.Context, dialogID string, course int) (context.Context, func(err error)) {
	if t == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "kernel.drive", trace.WithAttributes(
		attribute.String("dialog_id", dialogID),
		attribute.Int("course", course),
	))
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		t.driveDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("dialog_id", dialogID)))
	}
}

// RecordRetryAttempt records one LLM retry attempt (kernel spec §4.8 "LLM
// retry wrapper"), tagged with whether it ultimately retried or gave up.
func (t *Telemetry) RecordRetryAttempt(ctx context.Context, attempt int, outcome string) {
	if t == nil {
		return
	}
	t.retryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.String("outcome", outcome),
	))
}

// StartToolCall opens a span around one ordinary tool dispatch.
func (t *Telemetry) StartToolCall(ctx context.Context, name string) (context.Context, func(isError bool)) {
	if t == nil {
		return ctx, func(bool) {}
	}
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "kernel.tool_call", trace.WithAttributes(attribute.String("tool", name)))
	return ctx, func(isError bool) {
		if isError {
			span.SetStatus(codes.Error, "tool returned an error result")
		}
		span.End()
		t.toolDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("tool", name)))
	}
}

// RecordPendingDepth reports the current pending-subdialog queue depth
// for one dialog.
func (t *Telemetry) RecordPendingDepth(ctx context.Context, dialogID string, depth int) {
	if t == nil {
		return
	}
	t.pendingDepth.Record(ctx, int64(depth), metric.WithAttributes(attribute.String("dialog_id", dialogID)))
}

// RecordWritebackFlush reports how long one write-back flush took.
func (t *Telemetry) RecordWritebackFlush(ctx context.Context, d time.Duration) {
	if t == nil {
		return
	}
	t.writebackLatency.Record(ctx, d.Seconds())
}

// RecordCourseAppend reports how long one course-log append took.
func (t *Telemetry) RecordCourseAppend(ctx context.Context, d time.Duration) {
	if t == nil {
		return
	}
	t.courseAppendLatency.Record(ctx, d.Seconds())
}
