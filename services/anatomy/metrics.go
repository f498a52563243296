// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package anatomy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// analyzeRequests counts analysis requests.
	//
	// Labels:
	//   - outcome: "ok", "cached", "parse_error", "rejected", "error"
	analyzeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anatomy",
		Subsystem: "http",
		Name:      "analyze_requests_total",
		Help:      "Analysis requests by outcome.",
	}, []string{"outcome"})

	// streamSessions tracks open snapshot streams.
	streamSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "anatomy",
		Subsystem: "http",
		Name:      "stream_sessions",
		Help:      "Currently open simulation streams.",
	})

	// streamFrames counts frames written to snapshot streams.
	//
	// Labels:
	//   - type: "snapshot", "done", "error"
	streamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anatomy",
		Subsystem: "http",
		Name:      "stream_frames_total",
		Help:      "Frames written to simulation streams by type.",
	}, []string{"type"})
)
