// Package otel sets up tracing and metrics. A disabled Config yields no-op
// instruments, so callers never branch on whether telemetry is on.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "capsule"
	MeterName  = "capsule"
	Version    = "v0.3.0"

	defaultServiceName  = "capsule-agent"
	defaultOTLPEndpoint = "localhost:4318"
)

// Config is the otel section of config.yaml.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is otlp-http (default), stdout or none. With none spans are
	// still recorded, which keeps trace ids in logs.
	Exporter string `yaml:"exporter"`
	// Endpoint is host:port (plain HTTP) or a full http(s) URL.
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	// MetricsEnabled defaults to true when Enabled is set.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

func (c Config) metricsOn() bool {
	return c.Enabled && (c.MetricsEnabled == nil || *c.MetricsEnabled)
}

// Provider owns the tracer and meter for the process.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	// Metrics is nil when metrics are off.
	Metrics *Metrics

	reader   *sdkmetric.ManualReader
	shutdown []func(context.Context) error
}

// Init builds a Provider from cfg. extra attributes are added to the
// resource (agent name, for instance). Call Shutdown on exit.
func Init(ctx context.Context, cfg Config, extra ...attribute.KeyValue) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:  noop.NewMeterProvider().Meter(MeterName),
		}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	attrs := append([]attribute.KeyValue{semconv.ServiceName(name), semconv.ServiceVersion(Version)}, extra...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	p := &Provider{Tracer: tp.Tracer(TracerName), shutdown: []func(context.Context) error{tp.Shutdown}}
	if !cfg.metricsOn() {
		p.Meter = noop.NewMeterProvider().Meter(MeterName)
		return p, nil
	}
	p.reader = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(p.reader))
	p.shutdown = append(p.shutdown, mp.Shutdown)
	p.Meter = mp.Meter(MeterName)
	if p.Metrics, err = NewMetrics(p.Meter); err != nil {
		return nil, fmt.Errorf("otel instruments: %w", err)
	}
	return p, nil
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", "otlp", "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithHeaders(cfg.Headers)}
		if strings.Contains(endpoint, "://") {
			opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
		} else {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("otel: unknown exporter %q (want otlp-http, stdout or none)", cfg.Exporter)
	}
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, f := range p.shutdown {
		errs = append(errs, f(ctx))
	}
	return errors.Join(errs...)
}

// Snapshot collects current metric values, summed across attributes.
// Counters report their total; histograms report name.count and name.sum.
// It returns an empty map when metrics are off.
func (p *Provider) Snapshot(ctx context.Context) (map[string]float64, error) {
	out := map[string]float64{}
	if p.reader == nil {
		return out, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name+".count"] += float64(dp.Count)
					out[m.Name+".sum"] += dp.Sum
				}
			}
		}
	}
	return out, nil
}
