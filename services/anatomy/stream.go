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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
)

const (
	// streamReadTimeout bounds the wait for the client's StreamRequest.
	streamReadTimeout = 30 * time.Second

	// streamWriteTimeout bounds each frame write.
	streamWriteTimeout = 10 * time.Second
)

// HandleStream handles GET /v1/anatomy/simulate/stream.
//
// Description:
//
//	Upgrades to a WebSocket, reads one StreamRequest and streams one
//	snapshot frame per simulator transition, paced by the requested
//	interval, followed by a done frame and a normal close. Pacing only
//	delays delivery; each frame is a complete snapshot.
//
// Protocol:
//
//	client → {"source": "...", "interval_ms": 250}
//	server → {"type": "snapshot", "session": "...", "snapshot": {...}} ...
//	server → {"type": "done", "session": "...", "logs": [...], ...}
//
// Errors are sent as a single {"type": "error"} frame before closing.
func (h *Handlers) HandleStream(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	session := uuid.NewString()
	logger := slog.With("request_id", requestID, "handler", "HandleStream", "session", session)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, http.Header{RequestIDHeader: []string{requestID}})
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	streamSessions.Inc()
	defer streamSessions.Dec()

	conn.SetReadLimit(h.svc.cfg.Server.MaxRequestBytes)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

	var req StreamRequest
	if err := conn.ReadJSON(&req); err != nil {
		logger.Info("invalid stream request", slog.Any("error", err))
		_ = writeFrame(conn, StreamFrame{
			Type:    FrameError,
			Session: session,
			Error:   "invalid stream request: " + err.Error(),
			Code:    CodeInvalidRequest,
		})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reading is required to process close and ping frames; a read error
	// means the client is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	plan, frame := h.streamPlan(ctx, req)
	if frame != nil {
		frame.Session = session
		_ = writeFrame(conn, *frame)
		return
	}

	interval := h.streamInterval(req.IntervalMS)
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	sim := h.svc.NewSimulator()
	sim.Initialize(plan)

	logger.Info("stream started",
		slog.Int("tasks", len(plan)),
		slog.Duration("interval", interval),
	)

	steps := 0
	for {
		snap, ok, err := sim.Step()
		if err != nil {
			logger.Warn("simulation failed", slog.Any("error", err))
			_ = writeFrame(conn, StreamFrame{
				Type:    FrameError,
				Session: session,
				Error:   err.Error(),
				Code:    CodeSimulation,
			})
			return
		}
		if !ok {
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			logger.Info("stream closed by client", slog.Int("steps", steps))
			return
		}
		if err := writeFrame(conn, StreamFrame{Type: FrameSnapshot, Session: session, Snapshot: &snap}); err != nil {
			logger.Info("stream write failed", slog.Any("error", err))
			return
		}
		steps = snap.Step
	}

	err = writeFrame(conn, StreamFrame{
		Type:     FrameDone,
		Session:  session,
		Plan:     nonNilPlan(plan),
		Logs:     sim.Logs(),
		Executed: sim.Executed(),
		Steps:    steps,
	})
	if err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, FrameDone),
		time.Now().Add(streamWriteTimeout))

	logger.Info("stream complete", slog.Int("steps", steps))
}

// streamPlan resolves the plan for a stream request, or the error frame to
// send instead.
func (h *Handlers) streamPlan(ctx context.Context, req StreamRequest) (flow.Plan, *StreamFrame) {
	switch {
	case req.Source == "" && req.Plan == nil:
		return nil, &StreamFrame{Type: FrameError, Error: "one of source or plan is required", Code: CodeInvalidRequest}
	case req.Source != "" && req.Plan != nil:
		return nil, &StreamFrame{Type: FrameError, Error: "source and plan are mutually exclusive", Code: CodeInvalidRequest}
	case req.Plan != nil:
		return req.Plan, nil
	}

	result, err := h.svc.Analyze(ctx, []byte(req.Source), false)
	if err != nil {
		_, resp := analyzeFailure(err)
		return nil, &StreamFrame{Type: FrameError, Error: resp.Error, Code: resp.Code, Location: resp.Location}
	}
	return result.Plan, nil
}

// streamInterval returns the pacing for a requested interval, falling back
// to the configured default and never going below the configured minimum.
func (h *Handlers) streamInterval(ms int) time.Duration {
	cfg := h.svc.cfg.Simulator
	if ms <= 0 {
		return cfg.StreamInterval
	}
	d := time.Duration(ms) * time.Millisecond
	if d < cfg.MinStreamInterval {
		return cfg.MinStreamInterval
	}
	return d
}

func writeFrame(conn *websocket.Conn, frame StreamFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return fmt.Errorf("writing %s frame: %w", frame.Type, err)
	}
	streamFrames.WithLabelValues(frame.Type).Inc()
	return nil
}
