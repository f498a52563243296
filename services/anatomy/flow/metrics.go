// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// flowTracerName is the shared OTel tracer and meter name for the extractor.
const flowTracerName = "anatomy.flow"

var (
	tracer = otel.Tracer(flowTracerName)
	meter  = otel.Meter(flowTracerName)

	// tasksExtracted counts emitted task records by category.
	tasksExtracted, _ = meter.Int64Counter("anatomy.flow.tasks",
		metric.WithDescription("Task records emitted by the execution-flow extractor."),
		metric.WithUnit("{task}"),
	)
)

// Package-level Prometheus metrics for extraction.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// extractDuration measures how long a single Extract call takes.
	extractDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "anatomy",
		Subsystem: "flow",
		Name:      "extract_duration_seconds",
		Help:      "Duration of execution-flow extraction in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// extractionsTotal counts Extract calls.
	//
	// Labels:
	//   - status: "complete" or "canceled"
	extractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anatomy",
		Subsystem: "flow",
		Name:      "extractions_total",
		Help:      "Total execution-flow extractions.",
	}, []string{"status"})
)

// recordExtraction records metrics for a finished extraction.
func recordExtraction(ctx context.Context, plan Plan, duration time.Duration, canceled bool) {
	status := "complete"
	if canceled {
		status = "canceled"
	}
	extractionsTotal.WithLabelValues(status).Inc()
	extractDuration.Observe(duration.Seconds())

	for category, n := range plan.CountByCategory() {
		tasksExtracted.Add(ctx, int64(n),
			metric.WithAttributes(attribute.String("category", string(category))),
		)
	}
}
