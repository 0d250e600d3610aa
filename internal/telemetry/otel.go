// Package telemetry initializes OpenTelemetry tracing and metrics.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"engram/internal/config"
)

const serviceName = "engram"

// Metrics are the instruments the pipeline records into. A zero Metrics
// (nil instruments) is safe to use and records nothing.
type Metrics struct {
	IngestedArtifacts metric.Int64Counter
	ProcessedJobs     metric.Int64Counter
	RecallQueries     metric.Int64Counter
	RecallDuration    metric.Float64Histogram
}

// Setup wires OTLP HTTP exporters when an endpoint is configured and
// returns the instruments plus a shutdown function for the caller to defer.
// With no endpoint, telemetry is a no-op.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Metrics, func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return &Metrics{}, func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(serviceName)
	metrics := &Metrics{}
	if metrics.IngestedArtifacts, err = meter.Int64Counter("engram.ingest.artifacts"); err != nil {
		return nil, nil, err
	}
	if metrics.ProcessedJobs, err = meter.Int64Counter("engram.jobs.processed"); err != nil {
		return nil, nil, err
	}
	if metrics.RecallQueries, err = meter.Int64Counter("engram.recall.queries"); err != nil {
		return nil, nil, err
	}
	if metrics.RecallDuration, err = meter.Float64Histogram("engram.recall.duration",
		metric.WithUnit("s")); err != nil {
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return metrics, shutdown, nil
}

// AddArtifact records one ingested artifact.
func (m *Metrics) AddArtifact(ctx context.Context) {
	if m != nil && m.IngestedArtifacts != nil {
		m.IngestedArtifacts.Add(ctx, 1)
	}
}

// AddJob records one processed extraction job.
func (m *Metrics) AddJob(ctx context.Context) {
	if m != nil && m.ProcessedJobs != nil {
		m.ProcessedJobs.Add(ctx, 1)
	}
}

// AddRecall records one recall query and its duration.
func (m *Metrics) AddRecall(ctx context.Context, d time.Duration) {
	if m != nil && m.RecallQueries != nil {
		m.RecallQueries.Add(ctx, 1)
	}
	if m != nil && m.RecallDuration != nil {
		m.RecallDuration.Record(ctx, d.Seconds())
	}
}
