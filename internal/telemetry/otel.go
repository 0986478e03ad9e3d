package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// ScopeName is the instrumentation scope for traces and metrics.
const ScopeName = "github.com/jimmypocock/reporeconnoiter.com"

// Config selects an exporter. Exporter is "stdout", "otlp" or "prometheus".
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	Version     string
}

// Provider bundles the tracer, meter and an optional /metrics handler.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	// MetricsHandler serves Prometheus metrics. It is nil unless the
	// prometheus exporter is selected.
	MetricsHandler http.Handler
	shutdown       []func(context.Context) error
}

// Init builds the telemetry provider. A disabled config yields no-op
// instruments.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(ScopeName),
			Meter:  noop.NewMeterProvider().Meter(ScopeName),
		}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "recon"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}
	switch cfg.Exporter {
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		exp, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))
		otel.SetMeterProvider(mp)
		p.Meter = mp.Meter(ScopeName)
		p.Tracer = nooptrace.NewTracerProvider().Tracer(ScopeName)
		p.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		p.shutdown = append(p.shutdown, mp.Shutdown)

	case "stdout", "otlp":
		exp, err := spanExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.Tracer = tp.Tracer(ScopeName)
		p.Meter = mp.Meter(ScopeName)
		p.shutdown = append(p.shutdown, tp.Shutdown, mp.Shutdown)

	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: stdout, otlp, prometheus)", cfg.Exporter)
	}
	return p, nil
}

func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Exporter == "stdout" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
}

// Shutdown flushes and stops every exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}
