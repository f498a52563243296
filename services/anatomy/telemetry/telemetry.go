// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for the service.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/config"
)

// Exporter names accepted in TelemetryConfig.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// DefaultMetricInterval is the stdout metric export period.
const DefaultMetricInterval = 30 * time.Second

// Providers holds the SDK providers installed as OTel globals.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

type options struct {
	writer         io.Writer
	registerer     prometheus.Registerer
	spanExporter   sdktrace.SpanExporter
	metricInterval time.Duration
	version        string
}

// Option configures Setup.
type Option func(*options)

// WithWriter sets where stdout exporters write. Default: os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithRegisterer sets the Prometheus registry the OTel bridge registers with.
// Default: prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithSpanExporter replaces the configured trace exporter. Spans are exported
// synchronously, which is what in-memory test exporters need.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.spanExporter = exp }
}

// WithMetricInterval sets the stdout metric export period.
func WithMetricInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.metricInterval = d
		}
	}
}

// WithVersion records the service version on the resource.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// Setup builds tracer and meter providers from cfg and installs them,
// together with a W3C trace-context propagator, as the OTel globals.
//
// Description:
//
//	Trace exporter "none" leaves the global no-op tracer in place unless a
//	span exporter is supplied via WithSpanExporter. Metrics exporter
//	"prometheus" bridges OTel instruments into the Prometheus registry so
//	they are served on /metrics alongside the promauto collectors.
//
// Outputs:
//
//	*Providers - The installed providers. Fields are nil when disabled.
//	error - Non-nil if an exporter cannot be created.
func Setup(ctx context.Context, cfg config.TelemetryConfig, opts ...Option) (*Providers, error) {
	o := options{
		writer:         os.Stderr,
		registerer:     prometheus.DefaultRegisterer,
		metricInterval: DefaultMetricInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", cfg.ServiceName)}
	if o.version != "" {
		attrs = append(attrs, attribute.String("service.version", o.version))
	}
	res := resource.NewSchemaless(attrs...)

	p := &Providers{}

	tp, err := newTracerProvider(ctx, cfg, o, res)
	if err != nil {
		return nil, err
	}
	if tp != nil {
		p.TracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	mp, err := newMeterProvider(cfg, o, res)
	if err != nil {
		if tp != nil {
			_ = tp.Shutdown(ctx)
		}
		return nil, err
	}
	if mp != nil {
		p.MeterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, o options, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	if o.spanExporter != nil {
		return sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(o.spanExporter),
			sdktrace.WithResource(res),
		), nil
	}

	var exp sdktrace.SpanExporter
	switch cfg.TraceExporter {
	case ExporterNone, "":
		return nil, nil
	case ExporterStdout:
		e, err := stdouttrace.New(stdouttrace.WithWriter(o.writer), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		exp = e
	case ExporterOTLP:
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		e, err := otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		exp = e
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.TraceExporter)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(cfg config.TelemetryConfig, o options, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var reader sdkmetric.Reader
	switch cfg.MetricsExporter {
	case ExporterNone, "":
		return nil, nil
	case ExporterPrometheus:
		exp, err := otelprom.New(otelprom.WithRegisterer(o.registerer))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus metric exporter: %w", err)
		}
		reader = exp
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(o.writer))
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(o.metricInterval))
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", cfg.MetricsExporter)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	), nil
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
