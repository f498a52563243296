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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/ast"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/scheduler"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/store"
)

// RequestIDHeader carries the caller's request id, or the one assigned here.
const RequestIDHeader = "X-Request-ID"

// Handlers serves the anatomy HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc      *Service
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// getOrCreateRequestID returns the request's X-Request-ID or assigns a new
// one, echoing it on the response either way.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(RequestIDHeader, id)
	return id
}

// HandleAnalyze handles POST /v1/anatomy/analyze.
//
// Description:
//
//	Parses the submitted source and returns its execution plan, optionally
//	with the serialized syntax tree.
//
// Request Body:
//
//	AnalyzeRequest
//
// Response:
//
//	200 OK: AnalyzeResponse
//	400 Bad Request: AnalyzeErrorResponse (parse error carries location)
//	413 Request Entity Too Large: AnalyzeErrorResponse
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleAnalyze(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAnalyze")

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		status, code := bindErrorStatus(err)
		analyzeRequests.WithLabelValues("rejected").Inc()
		c.JSON(status, AnalyzeErrorResponse{
			Success: false,
			Error:   "invalid request: " + err.Error(),
			Code:    code,
		})
		return
	}

	result, err := h.svc.Analyze(c.Request.Context(), []byte(req.Source), req.IncludeTree)
	if err != nil {
		status, resp := analyzeFailure(err)
		analyzeRequests.WithLabelValues(outcomeLabel(resp.Code)).Inc()
		logger.Info("analysis rejected",
			slog.String("code", resp.Code),
			slog.String("error", resp.Error),
		)
		c.JSON(status, resp)
		return
	}

	outcome := "ok"
	if result.Cached {
		outcome = "cached"
	}
	analyzeRequests.WithLabelValues(outcome).Inc()

	logger.Info("analysis complete",
		slog.String("hash", result.Hash),
		slog.Int("tasks", len(result.Plan)),
		slog.Bool("cached", result.Cached),
	)

	c.JSON(http.StatusOK, AnalyzeResponse{
		Success:  true,
		Tree:     result.Tree,
		Analysis: nonNilPlan(result.Plan),
		Hash:     result.Hash,
		Cached:   result.Cached,
	})
}

// HandleSimulate handles POST /v1/anatomy/simulate.
//
// Description:
//
//	Runs the event-loop simulation for a source snippet (analysed first)
//	or for a plan supplied directly, and returns every snapshot.
//
// Response:
//
//	200 OK: SimulateResponse
//	400 Bad Request: neither or both of source and plan, or a parse error
//	422 Unprocessable Entity: the plan did not complete within the step limit
func (h *Handlers) HandleSimulate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSimulate")

	var req SimulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		status, code := bindErrorStatus(err)
		c.JSON(status, ErrorResponse{Error: "invalid request: " + err.Error(), Code: code})
		return
	}

	plan, hash, ok := h.resolvePlan(c, req.Source, req.Plan)
	if !ok {
		return
	}

	result, scenario, err := h.svc.Simulate(c.Request.Context(), plan)
	if err != nil {
		logger.Warn("simulation failed", slog.Any("error", err))
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrStepLimit) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: CodeSimulation})
		return
	}

	logger.Info("simulation complete",
		slog.Int("tasks", len(plan)),
		slog.Int("steps", result.Steps),
	)

	c.JSON(http.StatusOK, SimulateResponse{
		Success:   true,
		Hash:      hash,
		Plan:      nonNilPlan(plan),
		Scenario:  scenario,
		Snapshots: result.Snapshots,
		Logs:      result.Logs,
		Executed:  result.Executed,
		Steps:     result.Steps,
	})
}

// resolvePlan returns the plan to simulate: the analysis of source, or plan
// itself. It writes the error response and returns false on failure.
func (h *Handlers) resolvePlan(c *gin.Context, source string, plan flow.Plan) (flow.Plan, string, bool) {
	switch {
	case source == "" && plan == nil:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "one of source or plan is required",
			Code:  CodeInvalidRequest,
		})
		return nil, "", false
	case source != "" && plan != nil:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "source and plan are mutually exclusive",
			Code:  CodeInvalidRequest,
		})
		return nil, "", false
	case plan != nil:
		return plan, "", true
	}

	result, err := h.svc.Analyze(c.Request.Context(), []byte(source), false)
	if err != nil {
		status, resp := analyzeFailure(err)
		c.JSON(status, resp)
		return nil, "", false
	}
	return result.Plan, result.Hash, true
}

// HandleListPlans handles GET /v1/anatomy/plans.
//
// Query Parameters:
//
//	limit: Maximum results, default 100
func (h *Handlers) HandleListPlans(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListPlans")

	limit := store.DefaultListLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "limit must be a positive integer",
				Code:  CodeInvalidRequest,
			})
			return
		}
		limit = n
	}

	plans, err := h.svc.ListPlans(c.Request.Context(), limit)
	if err != nil {
		h.cacheError(c, logger, err)
		return
	}
	if plans == nil {
		plans = []*store.PlanMetadata{}
	}

	c.JSON(http.StatusOK, ListPlansResponse{Plans: plans, Count: len(plans)})
}

// HandleGetPlan handles GET /v1/anatomy/plans/:hash.
func (h *Handlers) HandleGetPlan(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetPlan")

	plan, meta, err := h.svc.LoadPlan(c.Request.Context(), c.Param("hash"))
	if err != nil {
		h.cacheError(c, logger, err)
		return
	}

	c.JSON(http.StatusOK, PlanResponse{Metadata: meta, Plan: nonNilPlan(plan)})
}

// HandleDeletePlan handles DELETE /v1/anatomy/plans/:hash.
func (h *Handlers) HandleDeletePlan(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDeletePlan")

	hash := c.Param("hash")
	if err := h.svc.DeletePlan(c.Request.Context(), hash); err != nil {
		h.cacheError(c, logger, err)
		return
	}

	logger.Info("plan deleted", slog.String("hash", hash))
	c.Status(http.StatusNoContent)
}

func (h *Handlers) cacheError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrCacheDisabled):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: CodeCacheDisabled})
	case errors.Is(err, store.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "plan not found", Code: CodePlanNotFound})
	default:
		logger.Error("plan cache operation failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeInternal})
	}
}

// HandleHealth handles GET /v1/anatomy/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: Version,
		Cache:   h.svc.CacheEnabled(),
	})
}

// HandleReady handles GET /v1/anatomy/ready.
//
// Description:
//
//	Ready once the parser can analyse a trivial program.
func (h *Handlers) HandleReady(c *gin.Context) {
	tree, err := h.svc.parser.Parse(c.Request.Context(), []byte("0;"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "not_ready", Version: Version})
		return
	}
	tree.Close()

	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ready",
		Version: Version,
		Cache:   h.svc.CacheEnabled(),
	})
}

// analyzeFailure maps an analysis error to its status and response body.
func analyzeFailure(err error) (int, AnalyzeErrorResponse) {
	resp := AnalyzeErrorResponse{Success: false, Error: err.Error()}

	if perr, ok := ast.AsParseError(err); ok {
		loc := perr.Location
		resp.Error = perr.Message
		resp.Code = CodeParseError
		resp.Location = &loc
		return http.StatusBadRequest, resp
	}

	switch {
	case errors.Is(err, ast.ErrSourceTooLarge):
		resp.Code = CodeSourceTooLarge
		return http.StatusRequestEntityTooLarge, resp
	case errors.Is(err, ast.ErrEmptySource):
		resp.Code = CodeEmptySource
		return http.StatusBadRequest, resp
	case errors.Is(err, ast.ErrInvalidContent):
		resp.Code = CodeInvalidContent
		return http.StatusBadRequest, resp
	default:
		resp.Code = CodeInternal
		return http.StatusInternalServerError, resp
	}
}

// bindErrorStatus distinguishes oversized bodies from malformed ones.
func bindErrorStatus(err error) (int, string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge, CodeSourceTooLarge
	}
	return http.StatusBadRequest, CodeInvalidRequest
}

func outcomeLabel(code string) string {
	switch code {
	case CodeParseError:
		return "parse_error"
	case CodeInternal:
		return "error"
	default:
		return "rejected"
	}
}

func nonNilPlan(plan flow.Plan) flow.Plan {
	if plan == nil {
		return flow.Plan{}
	}
	return plan
}
