// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("anatomy.scheduler")

var (
	// runsTotal counts Run calls.
	//
	// Labels:
	//   - status: "complete", "canceled", "step_limit"
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anatomy",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Total simulator runs by outcome.",
	}, []string{"status"})

	// tasksExecuted counts tasks pushed onto the call stack.
	//
	// Labels:
	//   - phase: "main", "microtask", "macrotask"
	tasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anatomy",
		Subsystem: "scheduler",
		Name:      "tasks_executed_total",
		Help:      "Total tasks executed by the simulator, by phase.",
	}, []string{"phase"})

	// runSteps measures transitions per completed run.
	runSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "anatomy",
		Subsystem: "scheduler",
		Name:      "run_steps",
		Help:      "State transitions applied per simulator run.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
)
