// Package telemetry manages OpenTelemetry tracing and metrics for the
// rewards pipeline, exposing metrics over a Prometheus endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/network-contribution-rewards/ncr/internal/config"
)

// Metric names recorded by the worker.
const (
	MetricRunSuccess     = "ncr_worker_success"
	MetricRunFailure     = "ncr_worker_failure"
	MetricEpochsSkipped  = "ncr_worker_epochs_skipped"
	MetricStageDuration  = "ncr_worker_stage"
	MetricCacheHits      = "ncr_cache_hits"
	MetricCacheMisses    = "ncr_cache_misses"
	MetricLinksProcessed = "ncr_links_processed"
)

// Telemetry manages OpenTelemetry instrumentation.
type Telemetry struct {
	cfg            config.TelemetryConfig
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	server         *http.Server
	mu             sync.Mutex

	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// New creates a telemetry instance. A disabled config yields an inert
// instance whose methods are all no-ops.
func New(cfg config.TelemetryConfig) (*Telemetry, error) {
	t := &Telemetry{
		cfg:        cfg,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry resource: %w", err)
	}

	if err := t.initTracing(res); err != nil {
		return nil, err
	}
	if err := t.initMetrics(res); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) initTracing(res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if t.cfg.JaegerEndpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(t.cfg.JaegerEndpoint)))
		if err != nil {
			return fmt.Errorf("creating jaeger exporter: %w", err)
		}
		sampleRate := t.cfg.SampleRate
		if sampleRate == 0 {
			sampleRate = 1.0
		}
		opts = append(opts,
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)))
	}

	t.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.tracer = otel.Tracer(t.cfg.ServiceName)
	return nil
}

func (t *Telemetry) initMetrics(res *resource.Resource) error {
	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("creating prometheus exporter: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)
	t.meter = otel.Meter(t.cfg.ServiceName)
	return nil
}

// Start serves the Prometheus metrics endpoint.
func (t *Telemetry) Start(ctx context.Context) error {
	if !t.cfg.Enabled || t.cfg.PrometheusPort <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	t.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler: mux,
	}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("prometheus server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts down the metrics server and flushes exporters.
func (t *Telemetry) Stop(ctx context.Context) error {
	if !t.cfg.Enabled {
		return nil
	}
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down prometheus server: %w", err)
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down tracer provider: %w", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down meter provider: %w", err)
		}
	}
	return nil
}

// StartSpan starts a span, or passes the context through when disabled.
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !t.cfg.Enabled || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// IncrementCounter adds one to a named counter.
func (t *Telemetry) IncrementCounter(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if !t.cfg.Enabled {
		return
	}

	t.mu.Lock()
	counter, ok := t.counters[name]
	if !ok {
		var err error
		counter, err = t.meter.Int64Counter(name)
		if err != nil {
			t.mu.Unlock()
			return
		}
		t.counters[name] = counter
	}
	t.mu.Unlock()

	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDuration records elapsed seconds since start in a histogram.
func (t *Telemetry) RecordDuration(ctx context.Context, name string, start time.Time, attrs ...attribute.KeyValue) {
	if !t.cfg.Enabled {
		return
	}

	t.mu.Lock()
	histogram, ok := t.histograms[name]
	if !ok {
		var err error
		histogram, err = t.meter.Float64Histogram(name + "_duration_seconds")
		if err != nil {
			t.mu.Unlock()
			return
		}
		t.histograms[name] = histogram
	}
	t.mu.Unlock()

	histogram.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}
