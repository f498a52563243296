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
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/ast"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/scheduler"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/store"
)

// ErrorResponse is the body of every non-analysis error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeParseError     = "PARSE_ERROR"
	CodeEmptySource    = "EMPTY_SOURCE"
	CodeInvalidContent = "INVALID_CONTENT"
	CodeSourceTooLarge = "SOURCE_TOO_LARGE"
	CodeSimulation     = "SIMULATION_FAILED"
	CodeCacheDisabled  = "CACHE_NOT_AVAILABLE"
	CodePlanNotFound   = "PLAN_NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"
)

// AnalyzeRequest is the body of POST /v1/anatomy/analyze.
type AnalyzeRequest struct {
	// Source is the JavaScript text to analyse.
	Source string `json:"source" binding:"required"`

	// IncludeTree adds the serialized syntax tree to the response.
	IncludeTree bool `json:"include_tree"`
}

// AnalyzeResponse is the success body of POST /v1/anatomy/analyze.
type AnalyzeResponse struct {
	Success  bool            `json:"success"`
	Tree     *ast.SyntaxNode `json:"tree,omitempty"`
	Analysis flow.Plan       `json:"analysis"`
	Hash     string          `json:"hash"`
	Cached   bool            `json:"cached"`
}

// AnalyzeErrorResponse is the failure body of POST /v1/anatomy/analyze.
type AnalyzeErrorResponse struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error"`
	Code     string        `json:"code"`
	Location *ast.Location `json:"location,omitempty"`
}

// SimulateRequest is the body of POST /v1/anatomy/simulate.
// Exactly one of Source or Plan must be set.
type SimulateRequest struct {
	Source string    `json:"source"`
	Plan   flow.Plan `json:"plan"`
}

// SimulateResponse is the body returned by POST /v1/anatomy/simulate.
type SimulateResponse struct {
	Success   bool                 `json:"success"`
	Hash      string               `json:"hash,omitempty"`
	Plan      flow.Plan            `json:"plan"`
	Scenario  *scheduler.Scenario  `json:"scenario"`
	Snapshots []scheduler.Snapshot `json:"snapshots"`
	Logs      []string             `json:"logs"`
	Executed  []flow.Task          `json:"executed"`
	Steps     int                  `json:"steps"`
}

// StreamRequest is the first message a stream client sends.
type StreamRequest struct {
	Source string    `json:"source"`
	Plan   flow.Plan `json:"plan"`

	// IntervalMS paces frames. Zero uses the configured default.
	IntervalMS int `json:"interval_ms"`
}

// Stream frame types.
const (
	FrameSnapshot = "snapshot"
	FrameDone     = "done"
	FrameError    = "error"
)

// StreamFrame is one message sent on the snapshot stream.
type StreamFrame struct {
	Type     string              `json:"type"`
	Session  string              `json:"session"`
	Snapshot *scheduler.Snapshot `json:"snapshot,omitempty"`

	// Set on the done frame.
	Plan     flow.Plan   `json:"plan,omitempty"`
	Logs     []string    `json:"logs,omitempty"`
	Executed []flow.Task `json:"executed,omitempty"`
	Steps    int         `json:"steps,omitempty"`

	// Set on the error frame.
	Error    string        `json:"error,omitempty"`
	Code     string        `json:"code,omitempty"`
	Location *ast.Location `json:"location,omitempty"`
}

// ListPlansResponse is the body of GET /v1/anatomy/plans.
type ListPlansResponse struct {
	Plans []*store.PlanMetadata `json:"plans"`
	Count int                   `json:"count"`
}

// PlanResponse is the body of GET /v1/anatomy/plans/:hash.
type PlanResponse struct {
	Metadata *store.PlanMetadata `json:"metadata"`
	Plan     flow.Plan           `json:"plan"`
}

// HealthResponse is the body of the health and readiness endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Cache   bool   `json:"cache"`
}
