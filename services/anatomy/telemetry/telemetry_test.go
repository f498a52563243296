// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/config"
)

func TestSetup_Disabled(t *testing.T) {
	cfg := config.TelemetryConfig{ServiceName: "test", TraceExporter: ExporterNone, MetricsExporter: ExporterNone}

	p, err := Setup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if p.TracerProvider != nil || p.MeterProvider != nil {
		t.Error("expected no providers when both exporters are none")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestSetup_InMemorySpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	cfg := config.TelemetryConfig{ServiceName: "test", TraceExporter: ExporterNone, MetricsExporter: ExporterNone}

	p, err := Setup(context.Background(), cfg, WithSpanExporter(exporter))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := otel.Tracer("telemetry_test").Start(context.Background(), "unit")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "unit" {
		t.Errorf("span name = %q", spans[0].Name)
	}

	var found bool
	for _, kv := range spans[0].Resource.Attributes() {
		if string(kv.Key) == "service.name" && kv.Value.AsString() == "test" {
			found = true
		}
	}
	if !found {
		t.Error("expected service.name on resource")
	}

	otel.SetTracerProvider(sdktrace.NewTracerProvider())
}

func TestSetup_PrometheusBridge(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := config.TelemetryConfig{ServiceName: "test", TraceExporter: ExporterNone, MetricsExporter: ExporterPrometheus}

	p, err := Setup(context.Background(), cfg, WithRegisterer(reg))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer p.Shutdown(context.Background())

	counter, err := otel.Meter("telemetry_test").Int64Counter("bridge_probe")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "bridge_probe") {
			found = true
		}
	}
	if !found {
		t.Error("expected bridge_probe in the registry")
	}
}

func TestSetup_StdoutExporters(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.TelemetryConfig{ServiceName: "test", TraceExporter: ExporterStdout, MetricsExporter: ExporterStdout}

	p, err := Setup(context.Background(), cfg, WithWriter(&buf))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := otel.Tracer("telemetry_test").Start(context.Background(), "stdout-span")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("stdout-span")) {
		t.Error("expected the span to be written on shutdown")
	}
}

func TestSetup_UnknownExporter(t *testing.T) {
	cfg := config.TelemetryConfig{ServiceName: "test", TraceExporter: "zipkin", MetricsExporter: ExporterNone}
	if _, err := Setup(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown trace exporter")
	}

	cfg = config.TelemetryConfig{ServiceName: "test", TraceExporter: ExporterNone, MetricsExporter: "statsd"}
	if _, err := Setup(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown metrics exporter")
	}
}
