// Package telemetry implements core.Telemetry with OpenTelemetry.
//
// Metrics flow through an in-process meter provider with a manual
// reader; operators attach exporters at deployment time. Span names and
// attributes follow the component.dotted.name convention used across
// the fabric.
package telemetry

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tricortex/tricortex/core"
)

// OTelProvider implements core.Telemetry with OpenTelemetry.
type OTelProvider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
	reader        *sdkmetric.ManualReader

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewProvider creates an OpenTelemetry provider for the service.
func NewProvider(cfg core.TelemetryConfig) (*OTelProvider, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "tricortex"
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	return &OTelProvider{
		tracer:        tp.Tracer(serviceName),
		meter:         mp.Meter(serviceName),
		traceProvider: tp,
		meterProvider: mp,
		reader:        reader,
		counters:      make(map[string]metric.Float64Counter),
		histograms:    make(map[string]metric.Float64Histogram),
	}, nil
}

// StartSpan starts a telemetry span.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a metric. Names carrying a distribution flavor
// (latency, accuracy, sizes) land in histograms; the rest are counters.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	opt := metric.WithAttributes(attrs...)
	ctx := context.Background()

	if isDistribution(name) {
		hist, err := o.histogram(name)
		if err != nil {
			return
		}
		hist.Record(ctx, value, opt)
		return
	}
	counter, err := o.counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, value, opt)
}

func isDistribution(name string) bool {
	return strings.HasSuffix(name, "_ms") ||
		strings.Contains(name, "latency") ||
		strings.Contains(name, "accuracy") ||
		strings.Contains(name, "size")
}

func (o *OTelProvider) counter(name string) (metric.Float64Counter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	o.counters[name] = c
	return c, nil
}

func (o *OTelProvider) histogram(name string) (metric.Float64Histogram, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.histograms[name]; ok {
		return h, nil
	}
	h, err := o.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	o.histograms[name] = h
	return h, nil
}

// Collect drains current metric state. Used by the stats reporter and
// by tests; production exporters replace the manual reader.
func (o *OTelProvider) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := o.reader.Collect(ctx, &rm)
	return rm, err
}

// Shutdown flushes and stops both providers.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	traceErr := o.traceProvider.Shutdown(ctx)
	meterErr := o.meterProvider.Shutdown(ctx)
	if traceErr != nil {
		return traceErr
	}
	return meterErr
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, "unsupported"))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
